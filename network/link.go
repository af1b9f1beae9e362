// Package network negotiates a peer-to-peer link through the signaling relay
// and runs the chat and file session on top of it.
package network

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"wavelite/signaling"
)

const (
	// ControlLabel names the channel carrying control messages and small files.
	ControlLabel = "chat"
	// auxLabelPrefix prefixes the auxiliary channel labels media-0..N-1.
	auxLabelPrefix = "media-"
)

// Signaler is the relay surface the negotiator needs. Both signaling.Client
// and an in-process signaling.Relay satisfy it.
type Signaler interface {
	Store(ctx context.Context, req signaling.StoreRequest) (signaling.StoreResult, error)
	Poll(ctx context.Context, q signaling.PollQuery) ([]signaling.Record, error)
	Cleanup(ctx context.Context, scope signaling.CleanupScope) (int, error)
}

// DataChannel is a labelled, message-oriented channel of a PeerLink.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	IsOpen() bool
	// OnOpen registers fn to run once the channel opens. It runs right away
	// when the channel is already open.
	OnOpen(fn func())
	OnMessage(fn func(isText bool, data []byte))
	OnClose(fn func())
	Close() error
}

// PeerLink is one peer-to-peer connection attempt.
type PeerLink interface {
	OpenChannel(label string) (DataChannel, error)
	// OnChannel registers fn for channels opened by the remote side.
	OnChannel(fn func(DataChannel))
	// CreateOffer returns the local descriptor once candidate gathering is done.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies a remote offer and returns the gathered answer.
	CreateAnswer(ctx context.Context, offer string) (string, error)
	ApplyAnswer(answer string) error
	// OnFailure registers fn for unrecoverable transport failures.
	OnFailure(fn func(error))
	Close() error
}

// LinkFactory creates a fresh PeerLink for each connection attempt.
type LinkFactory func() (PeerLink, error)

// AuxLabel returns the label of auxiliary channel index.
func AuxLabel(index int) string {
	return auxLabelPrefix + strconv.Itoa(index)
}

// auxIndex parses an auxiliary channel label.
func auxIndex(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, auxLabelPrefix)
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// channelSet collects the channels of one link as they appear, whichever side
// opened them.
type channelSet struct {
	auxCount int

	mu          sync.Mutex
	control     DataChannel
	aux         map[int]DataChannel
	onAux       func(int, DataChannel)
	controlOpen chan struct{}
	openOnce    sync.Once
}

func newChannelSet(auxCount int) *channelSet {
	return &channelSet{
		auxCount:    auxCount,
		aux:         make(map[int]DataChannel),
		controlOpen: make(chan struct{}),
	}
}

// add files ch by label and reports whether it was recognized.
func (c *channelSet) add(ch DataChannel) bool {
	label := ch.Label()
	if label == ControlLabel {
		c.mu.Lock()
		c.control = ch
		c.mu.Unlock()
		ch.OnOpen(func() { c.openOnce.Do(func() { close(c.controlOpen) }) })
		return true
	}

	index, ok := auxIndex(label)
	if !ok || index >= c.auxCount {
		return false
	}
	c.mu.Lock()
	c.aux[index] = ch
	fn := c.onAux
	c.mu.Unlock()
	if fn != nil {
		fn(index, ch)
	}
	return true
}

func (c *channelSet) controlChannel() DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// subscribe replays known auxiliary channels to fn and forwards later ones.
func (c *channelSet) subscribe(fn func(int, DataChannel)) {
	c.mu.Lock()
	c.onAux = fn
	known := make(map[int]DataChannel, len(c.aux))
	for i, ch := range c.aux {
		known[i] = ch
	}
	c.mu.Unlock()
	for i, ch := range known {
		fn(i, ch)
	}
}

// Session is a negotiated link ready for the connection runtime.
type Session struct {
	Role      Role
	LocalID   string
	RemoteID  string
	SessionID string
	Link      PeerLink
	Control   DataChannel

	channels *channelSet
}

// OnAuxChannel calls fn for every auxiliary channel, including those that
// arrive after the session connected.
func (s *Session) OnAuxChannel(fn func(index int, ch DataChannel)) {
	s.channels.subscribe(fn)
}

// Close tears the link down.
func (s *Session) Close() error {
	if err := s.Link.Close(); err != nil {
		return fmt.Errorf("close link: %w", err)
	}
	return nil
}
