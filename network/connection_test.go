package network

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wavelite/clock"
	"wavelite/models"
	"wavelite/protocol"
	"wavelite/transfer"
)

// newSessionPair builds two connected sessions over in-memory channels.
func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	linkA, linkB := &fakeLink{}, &fakeLink{}
	setA, setB := newChannelSet(transfer.DefaultChannelCount), newChannelSet(transfer.DefaultChannelCount)

	labels := []string{ControlLabel}
	for i := 0; i < transfer.DefaultChannelCount; i++ {
		labels = append(labels, AuxLabel(i))
	}
	for _, label := range labels {
		a, b := newMemPair(label)
		linkA.pairs = append(linkA.pairs, localPair{local: a, remote: b})
		linkB.pairs = append(linkB.pairs, localPair{local: b, remote: a})
		setA.add(a)
		setB.add(b)
		a.openBoth()
	}

	sa := &Session{Role: RoleOfferer, LocalID: "a", RemoteID: "b", SessionID: "s", Link: linkA, Control: setA.controlChannel(), channels: setA}
	sb := &Session{Role: RoleAnswerer, LocalID: "b", RemoteID: "a", SessionID: "s", Link: linkB, Control: setB.controlChannel(), channels: setB}
	return sa, sb
}

type connEvents struct {
	mu       sync.Mutex
	messages []models.Message
	names    []string
	files    []models.File
	progress []models.TransferProgress
	offline  int
	closed   []error
}

func (e *connEvents) options(name string) ConnectionOptions {
	return ConnectionOptions{
		LocalName: name,
		OnMessage: func(m models.Message) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.messages = append(e.messages, m)
		},
		OnPeerName: func(n string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.names = append(e.names, n)
		},
		OnFileReceived: func(f models.File) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.files = append(e.files, f)
		},
		OnProgress: func(p models.TransferProgress) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.progress = append(e.progress, p)
		},
		OnPeerOffline: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.offline++
		},
		OnClosed: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.closed = append(e.closed, err)
		},
	}
}

func (e *connEvents) snapshot() connEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return connEvents{
		messages: append([]models.Message(nil), e.messages...),
		names:    append([]string(nil), e.names...),
		files:    append([]models.File(nil), e.files...),
		progress: append([]models.TransferProgress(nil), e.progress...),
		offline:  e.offline,
		closed:   append([]error(nil), e.closed...),
	}
}

func startPair(t *testing.T) (*Connection, *Connection, *connEvents, *connEvents) {
	t.Helper()
	sa, sb := newSessionPair(t)
	ea, eb := &connEvents{}, &connEvents{}
	a := NewConnection(sa, ea.options("alice"))
	b := NewConnection(sb, eb.options("bob"))

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, ea, eb
}

func TestConnectionExchangesNamesAndText(t *testing.T) {
	a, b, ea, eb := startPair(t)

	require.Eventually(t, func() bool {
		return a.Peer().DisplayName == "bob" && b.Peer().DisplayName == "alice"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"alice"}, eb.snapshot().names)

	sent, err := a.SendText("hello bob")
	require.NoError(t, err)
	require.True(t, sent.Outgoing)
	require.Equal(t, models.ContentText, sent.ContentType)

	require.Eventually(t, func() bool { return len(eb.snapshot().messages) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := eb.snapshot().messages[0]
	require.Equal(t, "alice", got.From)
	require.Equal(t, "hello bob", got.Content)
	require.Equal(t, sent.MessageID, got.MessageID)
	require.False(t, got.Outgoing)

	_, err = b.SendText("   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, ea.snapshot().messages)
}

func TestConnectionSharesLocation(t *testing.T) {
	a, _, _, eb := startPair(t)

	sent, err := a.SendLocation(48.8584, 2.2945)
	require.NoError(t, err)
	require.Equal(t, protocol.MapsURL(48.8584, 2.2945), sent.Content)

	require.Eventually(t, func() bool { return len(eb.snapshot().messages) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := eb.snapshot().messages[0]
	require.Equal(t, models.ContentLocation, got.ContentType)
	require.InDelta(t, 48.8584, got.Lat, 1e-9)
	require.Equal(t, sent.Content, got.Content)

	_, err = a.SendLocation(91, 0)
	require.Error(t, err)
}

func TestConnectionSendsFiles(t *testing.T) {
	a, _, ea, eb := startPair(t)

	dir := t.TempDir()
	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("tiny file body"), 0o600))
	large := filepath.Join(dir, "large.bin")
	body := make([]byte, 1536*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(large, body, 0o600))

	_, err := a.SendFile(small)
	require.NoError(t, err)
	_, err = a.SendFile(large)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(eb.snapshot().files) == 2 }, 10*time.Second, 10*time.Millisecond)
	files := eb.snapshot().files
	require.Equal(t, "small.txt", files[0].Filename)
	require.Equal(t, []byte("tiny file body"), files[0].Data)
	require.Equal(t, "large.bin", files[1].Filename)
	require.Equal(t, body, files[1].Data)

	require.Eventually(t, func() bool {
		complete := 0
		for _, p := range ea.snapshot().progress {
			if p.Outgoing && p.Status == models.TransferComplete {
				complete++
			}
		}
		return complete == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err = a.SendFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestConnectionIgnoresUnknownMessages(t *testing.T) {
	sa, sb := newSessionPair(t)
	events := &connEvents{}
	conn := NewConnection(sa, events.options("alice"))
	conn.Start(context.Background())
	defer conn.Close()

	require.NoError(t, sb.Control.SendText(`{"type":"video_call"}`))
	require.NoError(t, sb.Control.SendText(`not json`))
	require.NoError(t, sb.Control.SendText(`{"type":"text","name":"bob","message":"still here","messageId":"1"}`))

	require.Eventually(t, func() bool { return len(events.snapshot().messages) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "still here", events.snapshot().messages[0].Content)
	require.Equal(t, StateReady, conn.State())
}

func TestConnectionReportsPeerOffline(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	sa, sb := newSessionPair(t)

	var mu sync.Mutex
	pings := 0
	sb.Control.OnMessage(func(isText bool, data []byte) {
		msg, err := protocol.Decode(data)
		if err == nil && msg.Kind() == protocol.KindPing {
			mu.Lock()
			pings++
			mu.Unlock()
		}
	})
	pingCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return pings
	}

	events := &connEvents{}
	opts := events.options("alice")
	opts.Clock = clk
	conn := NewConnection(sa, opts)
	conn.Start(context.Background())
	defer conn.Close()
	clk.WaitForTimers(1)

	for i := 1; i <= 2; i++ {
		clk.Advance(DefaultKeepAliveInterval)
		require.Eventually(t, func() bool { return pingCount() == i }, time.Second, time.Millisecond)
	}
	require.Zero(t, events.snapshot().offline)
	require.True(t, conn.Peer().Online)

	clk.Advance(DefaultKeepAliveInterval)
	require.Eventually(t, func() bool { return events.snapshot().offline == 1 }, time.Second, time.Millisecond)
	require.False(t, conn.Peer().Online)

	raw, err := protocol.Encode(protocol.Ping{Timestamp: clk.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, sb.Control.SendText(string(raw)))
	require.Eventually(t, func() bool { return conn.Peer().Online }, time.Second, time.Millisecond)
}

func TestConnectionClosesWhenControlChannelCloses(t *testing.T) {
	a, b, ea, eb := startPair(t)

	require.NoError(t, b.session.Control.Close())

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice the closed control channel")
	}
	require.ErrorIs(t, a.LastError(), ErrConnectionClosed)
	require.Equal(t, StateDisconnected, a.State())
	require.Eventually(t, func() bool { return len(ea.snapshot().closed) == 1 }, time.Second, time.Millisecond)

	<-b.Done()
	require.Eventually(t, func() bool { return len(eb.snapshot().closed) == 1 }, time.Second, time.Millisecond)

	_, err := a.SendText("anyone?")
	require.ErrorIs(t, err, ErrConnectionClosed)
	_, err = a.SendFile("whatever")
	require.ErrorIs(t, err, ErrConnectionClosed)
}
