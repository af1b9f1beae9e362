package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wavelite/clock"
	"wavelite/signaling"
)

// State is a step of connection negotiation.
type State string

const (
	StateIdle           State = "idle"
	StateRoleDeciding   State = "role_deciding"
	StateOffering       State = "offering"
	StateAnswering      State = "answering"
	StateIceGathering   State = "ice_gathering"
	StateSubmitting     State = "submitting"
	StateAwaitingRemote State = "awaiting_remote"
	StateConnected      State = "connected"
	StateTimedOut       State = "timed_out"
	StateFailed         State = "failed"
)

// Role is the side a peer plays in the handshake.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

const (
	DefaultPollInterval      = 4 * time.Second
	DefaultJoinPollInterval  = 3 * time.Second
	DefaultConnectionTimeout = 120 * time.Second
)

var (
	// ErrTimedOut indicates the remote side never completed the handshake.
	ErrTimedOut = errors.New("network: connection timed out")
	// ErrNegotiationFailed indicates a descriptor could not be created or applied.
	ErrNegotiationFailed = errors.New("network: negotiation failed")
	// ErrLinkFailed indicates the transport failed before the control channel opened.
	ErrLinkFailed = errors.New("network: link failed")
	// ErrBusy indicates a negotiation is already running.
	ErrBusy = errors.New("network: negotiation already in progress")
)

// NegotiatorOptions configures a Negotiator.
type NegotiatorOptions struct {
	// PeerID identifies this peer on the relay.
	PeerID   string
	Signaler Signaler
	NewLink  LinkFactory
	// AuxChannels is the number of auxiliary channels the offerer opens.
	AuxChannels       int
	PollInterval      time.Duration
	JoinPollInterval  time.Duration
	ConnectionTimeout time.Duration

	Clock         clock.Clock
	Logger        zerolog.Logger
	OnStateChange func(State)
}

// Negotiator establishes a Session with whoever else connects to the same room.
type Negotiator struct {
	opts NegotiatorOptions
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	running bool
}

// NewNegotiator validates opts and returns an idle negotiator.
func NewNegotiator(opts NegotiatorOptions) (*Negotiator, error) {
	if opts.PeerID == "" {
		return nil, errors.New("network: peer id is required")
	}
	if opts.Signaler == nil {
		return nil, errors.New("network: signaler is required")
	}
	if opts.NewLink == nil {
		return nil, errors.New("network: link factory is required")
	}
	if opts.AuxChannels <= 0 {
		opts.AuxChannels = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.JoinPollInterval <= 0 {
		opts.JoinPollInterval = DefaultJoinPollInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Negotiator{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "negotiator").Str("peerId", opts.PeerID).Logger(),
		state: StateIdle,
	}, nil
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Connect takes whichever role the room needs: it answers a waiting offer or
// publishes its own and waits for an answer.
func (n *Negotiator) Connect(ctx context.Context, room string) (*Session, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	defer n.end()

	n.setState(StateRoleDeciding)
	offers, err := n.opts.Signaler.Poll(ctx, signaling.PollQuery{Kind: signaling.KindOffer, TargetID: room})
	if err != nil {
		return nil, n.fail(fmt.Errorf("poll offers: %w", err))
	}
	if len(offers) > 0 {
		n.log.Info().Str("room", room).Str("remoteId", offers[0].SenderID).Msg("found waiting offer, answering")
		return n.answer(ctx, offers[0])
	}
	n.log.Info().Str("room", room).Msg("no waiting offer, offering")
	return n.offer(ctx, room)
}

// Join only answers: it polls the room until an offer shows up or the
// connection timeout passes.
func (n *Negotiator) Join(ctx context.Context, room string) (*Session, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	defer n.end()

	n.setState(StateRoleDeciding)
	timeout := n.opts.Clock.After(n.opts.ConnectionTimeout)
	ticker := n.opts.Clock.NewTicker(n.opts.JoinPollInterval)
	defer ticker.Stop()

	for {
		offers, err := n.opts.Signaler.Poll(ctx, signaling.PollQuery{Kind: signaling.KindOffer, TargetID: room})
		if err != nil {
			n.log.Debug().Err(err).Str("room", room).Msg("poll offers failed")
		}
		if len(offers) > 0 {
			return n.answer(ctx, offers[0])
		}

		select {
		case <-ctx.Done():
			return nil, n.fail(ctx.Err())
		case <-timeout:
			n.setState(StateTimedOut)
			return nil, ErrTimedOut
		case <-ticker.C:
		}
	}
}

func (n *Negotiator) offer(ctx context.Context, room string) (*Session, error) {
	n.setState(StateOffering)
	link, err := n.opts.NewLink()
	if err != nil {
		return nil, n.fail(fmt.Errorf("create link: %w", err))
	}
	channels := newChannelSet(n.opts.AuxChannels)
	failed := watchFailure(link)

	labels := []string{ControlLabel}
	for i := 0; i < n.opts.AuxChannels; i++ {
		labels = append(labels, AuxLabel(i))
	}
	for _, label := range labels {
		ch, err := link.OpenChannel(label)
		if err != nil {
			_ = link.Close()
			return nil, n.fail(fmt.Errorf("%w: open channel %s: %v", ErrNegotiationFailed, label, err))
		}
		channels.add(ch)
	}

	n.setState(StateIceGathering)
	sdp, err := link.CreateOffer(ctx)
	if err != nil {
		_ = link.Close()
		return nil, n.fail(fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
	}

	n.setState(StateSubmitting)
	sessionID := uuid.NewString()
	stored, err := n.opts.Signaler.Store(ctx, signaling.StoreRequest{
		Kind:      signaling.KindOffer,
		SenderID:  n.opts.PeerID,
		TargetID:  room,
		SessionID: sessionID,
		Payload:   sdp,
	})
	if err != nil {
		_ = link.Close()
		return nil, n.fail(fmt.Errorf("store offer: %w", err))
	}

	if len(stored.CompetingSenders) > 0 {
		return n.yield(ctx, room, link, sessionID, stored.CompetingSenders)
	}

	n.setState(StateAwaitingRemote)
	n.log.Info().Str("room", room).Str("sessionId", sessionID).Msg("offer published, waiting for answer")

	timeout := n.opts.Clock.After(n.opts.ConnectionTimeout)
	ticker := n.opts.Clock.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	var remoteID string
	for {
		select {
		case <-channels.controlOpen:
			return n.connected(ctx, &Session{
				Role:      RoleOfferer,
				LocalID:   n.opts.PeerID,
				RemoteID:  remoteID,
				SessionID: sessionID,
				Link:      link,
				Control:   channels.controlChannel(),
				channels:  channels,
			})
		case err := <-failed:
			_ = link.Close()
			n.cleanup(sessionID)
			return nil, n.fail(fmt.Errorf("%w: %v", ErrLinkFailed, err))
		case <-ctx.Done():
			_ = link.Close()
			n.cleanup(sessionID)
			return nil, n.fail(ctx.Err())
		case <-timeout:
			_ = link.Close()
			n.cleanup(sessionID)
			n.setState(StateTimedOut)
			n.log.Warn().Str("room", room).Msg("no answer before timeout")
			return nil, ErrTimedOut
		case <-ticker.C:
			if remoteID != "" {
				continue
			}
			answers, err := n.opts.Signaler.Poll(ctx, signaling.PollQuery{
				Kind:      signaling.KindAnswer,
				TargetID:  n.opts.PeerID,
				SessionID: sessionID,
			})
			if err != nil {
				n.log.Debug().Err(err).Msg("poll answer failed")
				continue
			}
			if len(answers) == 0 {
				continue
			}
			if err := link.ApplyAnswer(answers[0].Payload); err != nil {
				_ = link.Close()
				n.cleanup(sessionID)
				return nil, n.fail(fmt.Errorf("%w: apply answer: %v", ErrNegotiationFailed, err))
			}
			remoteID = answers[0].SenderID
			n.log.Info().Str("remoteId", remoteID).Msg("answer applied")
		}
	}
}

// yield resolves two peers offering into the same room at once. The relay
// reports earlier offers to the later writer, which withdraws its own and
// answers the lexicographically smallest competitor.
func (n *Negotiator) yield(ctx context.Context, room string, link PeerLink, sessionID string, competitors []string) (*Session, error) {
	_ = link.Close()
	n.cleanup(sessionID)

	sorted := append([]string(nil), competitors...)
	sort.Strings(sorted)
	rival := sorted[0]
	n.log.Info().Str("room", room).Str("rival", rival).Msg("competing offer found, yielding")

	offers, err := n.opts.Signaler.Poll(ctx, signaling.PollQuery{
		Kind:     signaling.KindOffer,
		TargetID: room,
		SenderID: rival,
	})
	if err != nil {
		return nil, n.fail(fmt.Errorf("poll rival offer: %w", err))
	}
	if len(offers) == 0 {
		// Someone else took the rival's offer first. Start over as offerer.
		return n.offer(ctx, room)
	}
	return n.answer(ctx, offers[0])
}

func (n *Negotiator) answer(ctx context.Context, offer signaling.Record) (*Session, error) {
	n.setState(StateAnswering)
	link, err := n.opts.NewLink()
	if err != nil {
		return nil, n.fail(fmt.Errorf("create link: %w", err))
	}
	channels := newChannelSet(n.opts.AuxChannels)
	link.OnChannel(func(ch DataChannel) {
		if !channels.add(ch) {
			n.log.Debug().Str("label", ch.Label()).Msg("ignoring unknown channel")
		}
	})
	failed := watchFailure(link)

	n.setState(StateIceGathering)
	sdp, err := link.CreateAnswer(ctx, offer.Payload)
	if err != nil {
		_ = link.Close()
		return nil, n.fail(fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
	}

	n.setState(StateSubmitting)
	if _, err := n.opts.Signaler.Store(ctx, signaling.StoreRequest{
		Kind:      signaling.KindAnswer,
		SenderID:  n.opts.PeerID,
		TargetID:  offer.SenderID,
		SessionID: offer.SessionID,
		Payload:   sdp,
	}); err != nil {
		_ = link.Close()
		return nil, n.fail(fmt.Errorf("store answer: %w", err))
	}

	n.setState(StateAwaitingRemote)
	n.log.Info().Str("remoteId", offer.SenderID).Str("sessionId", offer.SessionID).Msg("answer published, waiting for channel")

	select {
	case <-channels.controlOpen:
		return n.connected(ctx, &Session{
			Role:      RoleAnswerer,
			LocalID:   n.opts.PeerID,
			RemoteID:  offer.SenderID,
			SessionID: offer.SessionID,
			Link:      link,
			Control:   channels.controlChannel(),
			channels:  channels,
		})
	case err := <-failed:
		_ = link.Close()
		n.cleanup(offer.SessionID)
		return nil, n.fail(fmt.Errorf("%w: %v", ErrLinkFailed, err))
	case <-ctx.Done():
		_ = link.Close()
		n.cleanup(offer.SessionID)
		return nil, n.fail(ctx.Err())
	case <-n.opts.Clock.After(n.opts.ConnectionTimeout):
		_ = link.Close()
		n.cleanup(offer.SessionID)
		n.setState(StateTimedOut)
		return nil, ErrTimedOut
	}
}

func (n *Negotiator) connected(ctx context.Context, s *Session) (*Session, error) {
	n.setState(StateConnected)
	n.log.Info().Str("role", string(s.Role)).Str("remoteId", s.RemoteID).Msg("connected")
	n.cleanupContext(ctx, s.SessionID)
	return s, nil
}

// cleanup removes whatever this peer still has stored for sessionID.
func (n *Negotiator) cleanup(sessionID string) {
	n.cleanupContext(context.Background(), sessionID)
}

func (n *Negotiator) cleanupContext(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	deleted, err := n.opts.Signaler.Cleanup(ctx, signaling.CleanupScope{SenderID: n.opts.PeerID, SessionID: sessionID})
	if err != nil {
		n.log.Debug().Err(err).Str("sessionId", sessionID).Msg("signaling cleanup failed")
		return
	}
	n.log.Debug().Int("deleted", deleted).Str("sessionId", sessionID).Msg("signaling records cleaned up")
}

func (n *Negotiator) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrBusy
	}
	n.running = true
	return nil
}

func (n *Negotiator) end() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
}

func (n *Negotiator) fail(err error) error {
	n.setState(StateFailed)
	n.log.Error().Err(err).Msg("negotiation failed")
	return err
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	n.state = s
	n.mu.Unlock()

	n.log.Debug().Str("state", string(s)).Msg("negotiation state")
	if n.opts.OnStateChange != nil {
		n.opts.OnStateChange(s)
	}
}

func watchFailure(link PeerLink) <-chan error {
	failed := make(chan error, 1)
	link.OnFailure(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	return failed
}
