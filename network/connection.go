package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"wavelite/clock"
	"wavelite/models"
	"wavelite/protocol"
	"wavelite/transfer"
)

const (
	// DefaultKeepAliveInterval is how often a ping is sent.
	DefaultKeepAliveInterval = 10 * time.Second
	// DefaultMissedPings is how many intervals may pass without a ping before
	// the peer is reported offline.
	DefaultMissedPings = 3
)

var (
	// ErrConnectionClosed indicates the control channel is gone.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrEmptyMessage indicates a chat line with no text.
	ErrEmptyMessage = errors.New("network: message is empty")
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// ConnectionOptions configures a Connection. Callbacks may be nil.
type ConnectionOptions struct {
	// LocalName is announced to the peer and stamped on outgoing messages.
	LocalName         string
	KeepAliveInterval time.Duration
	MissedPings       int
	Transfer          transfer.Options

	Clock  clock.Clock
	Logger zerolog.Logger

	OnMessage        func(models.Message)
	OnPeerName       func(name string)
	OnFileReceived   func(models.File)
	OnProgress       func(models.TransferProgress)
	OnTransferFailed func(models.TransferProgress)
	OnQueued         func(queueID, fileName string)
	OnPeerOffline    func()
	OnClosed         func(error)
}

// Connection runs chat, keepalive and file transfer over a negotiated Session.
type Connection struct {
	session *Session
	opts    ConnectionOptions
	log     zerolog.Logger
	engine  *transfer.Engine

	peerMu sync.RWMutex
	peer   models.Peer

	lastPing atomic.Int64

	stateMu sync.RWMutex
	state   ConnectionState

	closing  atomic.Bool
	closed   chan struct{}
	errMu    sync.RWMutex
	closeErr error
	cancel   context.CancelFunc
}

// NewConnection wires session's channels to a transfer engine. Call Start to
// begin the keepalive and the send worker.
func NewConnection(session *Session, opts ConnectionOptions) *Connection {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.MissedPings <= 0 {
		opts.MissedPings = DefaultMissedPings
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	c := &Connection{
		session: session,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "connection").Str("remoteId", session.RemoteID).Logger(),
		state:   StateReady,
		closed:  make(chan struct{}),
		peer: models.Peer{
			PeerID: session.RemoteID,
			Role:   string(session.Role),
			Online: true,
		},
	}
	c.lastPing.Store(opts.Clock.Now().UnixMilli())

	engineOpts := opts.Transfer
	engineOpts.LocalName = opts.LocalName
	if engineOpts.Clock == nil {
		engineOpts.Clock = opts.Clock
	}
	engineOpts.Logger = opts.Logger
	engineOpts.OnReceived = opts.OnFileReceived
	engineOpts.OnQueued = opts.OnQueued
	engineOpts.OnProgress = c.handleProgress
	c.engine = transfer.NewEngine(session.Control, engineOpts)

	session.Control.OnMessage(c.handleControl)
	session.Control.OnClose(func() {
		c.closeWithError(ErrConnectionClosed)
	})
	session.OnAuxChannel(func(index int, ch DataChannel) {
		c.engine.AttachAux(index, ch)
		ch.OnMessage(func(isText bool, data []byte) {
			if isText {
				c.log.Debug().Str("label", ch.Label()).Msg("ignoring text on auxiliary channel")
				return
			}
			c.engine.HandleAuxFrame(data)
		})
	})
	return c
}

// Start announces the local name and runs the keepalive until ctx is done or
// the connection closes.
func (c *Connection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.stateMu.Lock()
	c.cancel = cancel
	c.stateMu.Unlock()
	c.engine.Start(ctx)

	if err := c.send(protocol.Username{Name: c.opts.LocalName}); err != nil {
		c.log.Warn().Err(err).Msg("send username failed")
	}
	go c.keepAliveLoop(ctx)
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed once the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns why the connection ended, or nil after a local Close.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Peer returns what is known about the remote side.
func (c *Connection) Peer() models.Peer {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peer
}

// Engine exposes the transfer engine.
func (c *Connection) Engine() *transfer.Engine {
	return c.engine
}

// SendText sends a chat line and returns it as shown locally.
func (c *Connection) SendText(text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	msg := models.Message{
		MessageID:   c.engine.NextMessageID(),
		From:        c.opts.LocalName,
		Content:     text,
		ContentType: models.ContentText,
		Outgoing:    true,
		Timestamp:   c.opts.Clock.Now().UnixMilli(),
	}
	if err := c.send(protocol.Text{Name: c.opts.LocalName, Message: text, MessageID: msg.MessageID}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// SendLocation shares a position with a maps link.
func (c *Connection) SendLocation(lat, lng float64) (models.Message, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return models.Message{}, fmt.Errorf("network: invalid coordinates %f,%f", lat, lng)
	}
	url := protocol.MapsURL(lat, lng)
	msg := models.Message{
		MessageID:   c.engine.NextMessageID(),
		From:        c.opts.LocalName,
		Content:     url,
		ContentType: models.ContentLocation,
		Outgoing:    true,
		Timestamp:   c.opts.Clock.Now().UnixMilli(),
		Lat:         lat,
		Lng:         lng,
	}
	if err := c.send(protocol.Location{
		Name:      c.opts.LocalName,
		MessageID: msg.MessageID,
		Lat:       lat,
		Lng:       lng,
		URL:       url,
	}); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// SendFile queues the file at path and returns its queue id.
func (c *Connection) SendFile(path string) (string, error) {
	if c.State() == StateDisconnected {
		return "", ErrConnectionClosed
	}
	return c.engine.EnqueueFile(path)
}

// Close ends the connection and the underlying link.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return c.LastError()
}

func (c *Connection) send(msg protocol.Message) error {
	if c.State() == StateDisconnected || !c.session.Control.IsOpen() {
		return ErrConnectionClosed
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.session.Control.SendText(string(raw)); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Connection) handleControl(isText bool, data []byte) {
	if !isText {
		c.engine.HandleControlFrame(data)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring control message")
		return
	}
	if c.engine.HandleControl(msg) {
		return
	}

	switch m := msg.(type) {
	case protocol.Text:
		c.deliver(models.Message{
			MessageID:   m.MessageID,
			From:        m.Name,
			Content:     m.Message,
			ContentType: models.ContentText,
			Timestamp:   c.opts.Clock.Now().UnixMilli(),
		})
	case protocol.Location:
		content := m.URL
		if content == "" {
			content = protocol.MapsURL(m.Lat, m.Lng)
		}
		c.deliver(models.Message{
			MessageID:   m.MessageID,
			From:        m.Name,
			Content:     content,
			ContentType: models.ContentLocation,
			Timestamp:   c.opts.Clock.Now().UnixMilli(),
			Lat:         m.Lat,
			Lng:         m.Lng,
		})
	case protocol.Username:
		c.peerMu.Lock()
		c.peer.DisplayName = m.Name
		c.peerMu.Unlock()
		c.log.Info().Str("name", m.Name).Msg("peer name")
		if c.opts.OnPeerName != nil {
			c.opts.OnPeerName(m.Name)
		}
	case protocol.Ping:
		now := c.opts.Clock.Now().UnixMilli()
		c.lastPing.Store(now)
		c.peerMu.Lock()
		c.peer.LastPingUnix = now
		c.peer.Online = true
		c.peerMu.Unlock()
	}
}

func (c *Connection) deliver(msg models.Message) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Connection) handleProgress(p models.TransferProgress) {
	if c.opts.OnProgress != nil {
		c.opts.OnProgress(p)
	}
	if p.Status == models.TransferFailed && c.opts.OnTransferFailed != nil {
		c.opts.OnTransferFailed(p)
	}
}

func (c *Connection) keepAliveLoop(ctx context.Context) {
	ticker := c.opts.Clock.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	offlineAfter := time.Duration(c.opts.MissedPings) * c.opts.KeepAliveInterval
	for {
		select {
		case <-ctx.Done():
			c.closeWithError(nil)
			return
		case <-c.closed:
			return
		case now := <-ticker.C:
			if err := c.send(protocol.Ping{Timestamp: now.UnixMilli()}); err != nil {
				c.log.Debug().Err(err).Msg("send ping failed")
			}

			last := time.UnixMilli(c.lastPing.Load())
			if now.Sub(last) < offlineAfter {
				continue
			}
			c.peerMu.Lock()
			wasOnline := c.peer.Online
			c.peer.Online = false
			c.peerMu.Unlock()
			if wasOnline {
				c.log.Warn().Dur("silentFor", now.Sub(last)).Msg("peer offline")
				if c.opts.OnPeerOffline != nil {
					c.opts.OnPeerOffline()
				}
			}
		}
	}
}

func (c *Connection) closeWithError(err error) {
	// Closing the session fires the control channel's close callback, which
	// lands back here.
	if !c.closing.CompareAndSwap(false, true) {
		return
	}

	c.errMu.Lock()
	c.closeErr = err
	c.errMu.Unlock()

	c.stateMu.Lock()
	c.state = StateDisconnected
	cancel := c.cancel
	c.stateMu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("connection lost")
		c.engine.AbortInbound(err.Error())
	}
	if cancel != nil {
		cancel()
	}
	c.engine.Close()
	if closeErr := c.session.Close(); closeErr != nil {
		c.log.Debug().Err(closeErr).Msg("close session")
	}
	close(c.closed)
	if c.opts.OnClosed != nil {
		c.opts.OnClosed(err)
	}
}
