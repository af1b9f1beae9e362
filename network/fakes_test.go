package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// memChannel is one end of an in-memory data channel pair. Each end delivers
// what its peer sends on its own goroutine, in order.
type memChannel struct {
	label string
	peer  *memChannel
	inbox chan pendingMessage
	done  chan struct{}

	mu        sync.Mutex
	open      bool
	closed    bool
	onOpen    []func()
	onMsg     func(bool, []byte)
	pending   []pendingMessage
	onClose   func()
	closeOnce sync.Once
}

func newMemPair(label string) (*memChannel, *memChannel) {
	a := &memChannel{label: label, inbox: make(chan pendingMessage, 4096), done: make(chan struct{})}
	b := &memChannel{label: label, inbox: make(chan pendingMessage, 4096), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func (c *memChannel) deliverLoop() {
	for {
		select {
		case m := <-c.inbox:
			c.mu.Lock()
			fn := c.onMsg
			if fn == nil {
				c.pending = append(c.pending, m)
			}
			c.mu.Unlock()
			if fn != nil {
				fn(m.isText, m.data)
			}
		case <-c.done:
			return
		}
	}
}

// openBoth marks both ends open and runs their open handlers.
func (c *memChannel) openBoth() {
	for _, end := range []*memChannel{c, c.peer} {
		end.mu.Lock()
		end.open = true
		fns := end.onOpen
		end.onOpen = nil
		end.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (c *memChannel) push(m pendingMessage) error {
	if !c.IsOpen() {
		return errors.New("channel not open")
	}
	select {
	case c.peer.inbox <- m:
		return nil
	case <-c.peer.done:
		return errors.New("channel closed")
	}
}

func (c *memChannel) Label() string { return c.label }

func (c *memChannel) Send(data []byte) error {
	return c.push(pendingMessage{data: append([]byte(nil), data...)})
}

func (c *memChannel) SendText(text string) error {
	return c.push(pendingMessage{isText: true, data: []byte(text)})
}

func (c *memChannel) BufferedAmount() uint64 { return 0 }

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *memChannel) OnOpen(fn func()) {
	c.mu.Lock()
	if !c.open {
		c.onOpen = append(c.onOpen, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *memChannel) OnMessage(fn func(bool, []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, m := range pending {
		fn(m.isText, m.data)
	}
}

func (c *memChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Close closes both ends, like a data channel teardown.
func (c *memChannel) Close() error {
	c.closeEnd()
	c.peer.closeEnd()
	return nil
}

func (c *memChannel) closeEnd() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		fn := c.onClose
		c.mu.Unlock()
		close(c.done)
		if fn != nil {
			fn()
		}
	})
}

// linkHub pairs fake links through the descriptor tokens they hand out.
type linkHub struct {
	mu      sync.Mutex
	offers  map[string]*fakeLink
	answers map[string]*fakeLink
	seq     atomic.Int64
	created atomic.Int64
}

func newLinkHub() *linkHub {
	return &linkHub{offers: make(map[string]*fakeLink), answers: make(map[string]*fakeLink)}
}

func (h *linkHub) factory() LinkFactory {
	return func() (PeerLink, error) {
		h.created.Add(1)
		return &fakeLink{hub: h, id: h.seq.Add(1)}, nil
	}
}

type localPair struct {
	local, remote *memChannel
}

type fakeLink struct {
	hub *linkHub
	id  int64

	mu        sync.Mutex
	pairs     []localPair
	onChannel func(DataChannel)
	onFailure func(error)
	closed    bool
	offerErr  error
}

func (l *fakeLink) OpenChannel(label string) (DataChannel, error) {
	local, remote := newMemPair(label)
	l.mu.Lock()
	l.pairs = append(l.pairs, localPair{local: local, remote: remote})
	l.mu.Unlock()
	return local, nil
}

func (l *fakeLink) OnChannel(fn func(DataChannel)) {
	l.mu.Lock()
	l.onChannel = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnFailure(fn func(error)) {
	l.mu.Lock()
	l.onFailure = fn
	l.mu.Unlock()
}

func (l *fakeLink) CreateOffer(ctx context.Context) (string, error) {
	if l.offerErr != nil {
		return "", l.offerErr
	}
	token := fmt.Sprintf("offer-%d", l.id)
	l.hub.mu.Lock()
	l.hub.offers[token] = l
	l.hub.mu.Unlock()
	return token, nil
}

func (l *fakeLink) CreateAnswer(ctx context.Context, offer string) (string, error) {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	if _, ok := l.hub.offers[offer]; !ok {
		return "", fmt.Errorf("unknown offer %q", offer)
	}
	token := fmt.Sprintf("answer-%d", l.id)
	l.hub.answers[token] = l
	return token, nil
}

func (l *fakeLink) ApplyAnswer(answer string) error {
	l.hub.mu.Lock()
	answerer, ok := l.hub.answers[answer]
	l.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown answer %q", answer)
	}

	l.mu.Lock()
	pairs := append([]localPair(nil), l.pairs...)
	l.mu.Unlock()
	answerer.mu.Lock()
	deliver := answerer.onChannel
	answerer.pairs = append(answerer.pairs, pairs...)
	answerer.mu.Unlock()

	go func() {
		for _, p := range pairs {
			if deliver != nil {
				deliver(p.remote)
			}
		}
		for _, p := range pairs {
			p.local.openBoth()
		}
	}()
	return nil
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	fn := l.onFailure
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pairs := l.pairs
	l.mu.Unlock()
	for _, p := range pairs {
		_ = p.local.Close()
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
