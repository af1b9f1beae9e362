package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultSTUNServer is used when no ICE servers are configured.
	DefaultSTUNServer = "stun:global.stun.twilio.com:3478"

	defaultGatherTimeout = 30 * time.Second
)

// WebRTCOptions configures links built on pion.
type WebRTCOptions struct {
	// ICEServers lists STUN/TURN URLs. Nil selects DefaultSTUNServer; an
	// empty non-nil slice gathers host candidates only.
	ICEServers []string
	// GatherTimeout bounds local candidate gathering.
	GatherTimeout time.Duration
	// IncludeLoopback offers loopback candidates, for same-host peers.
	IncludeLoopback bool
	Logger          zerolog.Logger
}

// NewWebRTCFactory returns a LinkFactory producing pion-backed links.
func NewWebRTCFactory(opts WebRTCOptions) LinkFactory {
	return func() (PeerLink, error) {
		return NewWebRTCLink(opts)
	}
}

// WebRTCLink is a PeerLink over a pion PeerConnection using vanilla ICE:
// descriptors are exchanged only after gathering completes, so no trickled
// candidates are needed.
type WebRTCLink struct {
	pc            *webrtc.PeerConnection
	log           zerolog.Logger
	gatherTimeout time.Duration

	mu        sync.Mutex
	onFailure func(error)
}

// NewWebRTCLink creates a peer connection with the configured ICE servers.
func NewWebRTCLink(opts WebRTCOptions) (*WebRTCLink, error) {
	servers := opts.ICEServers
	if servers == nil {
		servers = []string{DefaultSTUNServer}
	}
	gatherTimeout := opts.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	config := webrtc.Configuration{}
	for _, server := range servers {
		if strings.TrimSpace(server) == "" {
			continue
		}
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: []string{server}})
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &WebRTCLink{
		pc:            pc,
		log:           opts.Logger.With().Str("component", "webrtc").Logger(),
		gatherTimeout: gatherTimeout,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.log.Debug().Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			l.mu.Lock()
			fn := l.onFailure
			l.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("peer connection %s", state))
			}
		}
	})
	return l, nil
}

func (l *WebRTCLink) OpenChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %s: %w", label, err)
	}
	return newPionChannel(dc), nil
}

func (l *WebRTCLink) OnChannel(fn func(DataChannel)) {
	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newPionChannel(dc))
	})
}

func (l *WebRTCLink) OnFailure(fn func(error)) {
	l.mu.Lock()
	l.onFailure = fn
	l.mu.Unlock()
}

func (l *WebRTCLink) CreateOffer(ctx context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return l.gatherLocal(ctx, offer)
}

func (l *WebRTCLink) CreateAnswer(ctx context.Context, offer string) (string, error) {
	remote, err := decodeDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return l.gatherLocal(ctx, answer)
}

func (l *WebRTCLink) ApplyAnswer(answer string) error {
	remote, err := decodeDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *WebRTCLink) Close() error {
	return l.pc.Close()
}

// gatherLocal sets desc as the local description, waits for candidate
// gathering and returns the complete descriptor.
func (l *WebRTCLink) gatherLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(l.gatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", l.gatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := l.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	raw, err := json.Marshal(local)
	if err != nil {
		return "", fmt.Errorf("encode session description: %w", err)
	}
	return string(raw), nil
}

// decodeDescription accepts the browser's JSON session description and, for
// older peers, a bare SDP blob.
func decodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "v=") {
		return webrtc.SessionDescription{Type: want, SDP: payload}, nil
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(trimmed), &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("session description is %s, want %s", desc.Type, want)
	}
	return desc, nil
}

type pendingMessage struct {
	isText bool
	data   []byte
}

// pionChannel adapts a pion data channel. Messages that arrive before a
// handler is registered are held and replayed to it.
type pionChannel struct {
	dc *webrtc.DataChannel

	mu      sync.Mutex
	open    bool
	onOpen  []func()
	onMsg   func(bool, []byte)
	pending []pendingMessage
	onClose func()
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	c := &pionChannel{dc: dc, open: dc.ReadyState() == webrtc.DataChannelStateOpen}
	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		fns := c.onOpen
		c.onOpen = nil
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMsg
		if fn == nil {
			c.pending = append(c.pending, pendingMessage{isText: msg.IsString, data: msg.Data})
		}
		c.mu.Unlock()
		if fn != nil {
			fn(msg.IsString, msg.Data)
		}
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.open = false
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return c
}

func (c *pionChannel) Label() string              { return c.dc.Label() }
func (c *pionChannel) Send(data []byte) error     { return c.dc.Send(data) }
func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }
func (c *pionChannel) BufferedAmount() uint64     { return c.dc.BufferedAmount() }
func (c *pionChannel) Close() error               { return c.dc.Close() }

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionChannel) OnOpen(fn func()) {
	c.mu.Lock()
	if !c.open {
		c.onOpen = append(c.onOpen, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *pionChannel) OnMessage(fn func(isText bool, data []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, m := range pending {
		fn(m.isText, m.data)
	}
}

func (c *pionChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}
