package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wavelite/clock"
	"wavelite/storage"
)

// StoreRequest is a handshake record submitted by a peer.
type StoreRequest struct {
	Kind      Kind
	SenderID  string
	TargetID  string
	SessionID string
	Payload   string
}

// StoreResult acknowledges a stored record.
type StoreResult struct {
	Kind           Kind
	SenderID       string
	TargetID       string
	SessionID      string
	CandidateIndex int
	// CompetingSenders lists the senders of other live offers for the same
	// target at the moment an offer was written. Empty for other kinds.
	CompetingSenders []string
	Timestamp        time.Time
}

// PollQuery selects records to consume. SenderID and SessionID are optional.
type PollQuery struct {
	Kind      Kind
	TargetID  string
	SenderID  string
	SessionID string
}

// CleanupScope selects records to delete. Leaving both SenderID and TargetID
// empty deletes everything the relay holds.
type CleanupScope struct {
	SenderID  string
	TargetID  string
	SessionID string
}

// Global reports whether the scope is a full reset.
func (s CleanupScope) Global() bool {
	return s.SenderID == "" && s.TargetID == ""
}

// Options configures a Relay.
type Options struct {
	TTL     time.Duration
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Relay stores, delivers and deletes handshake records on top of a KV backend.
// Delivery is a consuming read: whichever poll wins the delete of a record is
// the only one that sees it.
type Relay struct {
	kv      storage.KV
	ttl     time.Duration
	clock   clock.Clock
	log     zerolog.Logger
	metrics *Metrics

	// writeMu orders offer writes per process so exactly one of two racing
	// offerers sees the other, and keeps candidate index allocation unique.
	writeMu sync.Mutex
}

// NewRelay returns a relay over kv.
func NewRelay(kv storage.KV, opts Options) *Relay {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Relay{
		kv:      kv,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		log:     opts.Logger.With().Str("component", "relay").Logger(),
		metrics: opts.Metrics,
	}
}

// Store writes a record. Offers and answers overwrite the record for the same
// (target, sender, session); candidates append at the next unused index.
func (r *Relay) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	if !req.Kind.Valid() {
		r.metrics.request("store", "client_error")
		return StoreResult{}, clientError("Invalid type", "type must be offer, answer, candidate or cleanup")
	}
	for _, check := range []struct {
		field, value string
		required     bool
	}{
		{"senderId", req.SenderID, true},
		{"targetId", req.TargetID, true},
		{"sessionId", req.SessionID, false},
	} {
		if err := validateID(check.field, check.value, check.required); err != nil {
			r.metrics.request("store", "client_error")
			return StoreResult{}, err
		}
	}
	if req.Payload == "" {
		r.metrics.request("store", "client_error")
		return StoreResult{}, clientError("Missing required fields", "data is required")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.clock.Now()
	rec := Record{
		Kind:      req.Kind,
		SenderID:  req.SenderID,
		TargetID:  req.TargetID,
		SessionID: req.SessionID,
		Payload:   req.Payload,
		CreatedAt: now,
	}
	result := StoreResult{
		Kind:      req.Kind,
		SenderID:  req.SenderID,
		TargetID:  req.TargetID,
		SessionID: req.SessionID,
		Timestamp: now,
	}

	switch req.Kind {
	case KindOffer:
		competing, err := r.competingOffers(ctx, req.TargetID, req.SenderID)
		if err != nil {
			r.metrics.request("store", "server_error")
			return StoreResult{}, serverError("Failed to store signaling data", err)
		}
		result.CompetingSenders = competing
	case KindCandidate:
		next, err := r.nextCandidateIndex(ctx, req.TargetID, req.SenderID, req.SessionID)
		if err != nil {
			r.metrics.request("store", "server_error")
			return StoreResult{}, serverError("Failed to store signaling data", err)
		}
		rec.CandidateIndex = next
		result.CandidateIndex = next
	}

	raw, err := encodeRecord(rec)
	if err != nil {
		r.metrics.request("store", "server_error")
		return StoreResult{}, serverError("Failed to store signaling data", err)
	}
	if err := r.kv.Put(ctx, rec.key(), raw, r.ttl); err != nil {
		r.metrics.request("store", "server_error")
		return StoreResult{}, serverError("Failed to store signaling data", err)
	}

	r.metrics.request("store", "ok")
	r.metrics.stored(req.Kind)
	r.log.Debug().
		Str("type", string(req.Kind)).
		Str("senderId", req.SenderID).
		Str("targetId", req.TargetID).
		Str("sessionId", req.SessionID).
		Int("competing", len(result.CompetingSenders)).
		Msg("stored signaling record")
	return result, nil
}

// Poll consumes matching records. Offer and answer polls return at most one
// record; candidate polls return the whole batch of one (sender, session)
// tuple ordered by candidate index. An empty result means "not found": backend
// faults, expired and corrupt records all degrade to it.
func (r *Relay) Poll(ctx context.Context, q PollQuery) ([]Record, error) {
	if !q.Kind.Valid() {
		r.metrics.request("poll", "client_error")
		return nil, clientError("Invalid type", "type must be offer, answer or candidate")
	}
	if err := validateID("targetId", q.TargetID, true); err != nil {
		r.metrics.request("poll", "client_error")
		return nil, err
	}
	for _, check := range []struct{ field, value string }{
		{"senderId", q.SenderID},
		{"sessionId", q.SessionID},
	} {
		if err := validateID(check.field, check.value, false); err != nil {
			r.metrics.request("poll", "client_error")
			return nil, err
		}
	}

	var (
		records []Record
		err     error
	)
	switch {
	case q.Kind == KindCandidate:
		records, err = r.pollCandidates(ctx, q)
	case q.SenderID != "" && q.SessionID != "":
		records, err = r.pollExact(ctx, q)
	default:
		records, err = r.pollFirst(ctx, q)
	}
	if err != nil {
		r.log.Debug().Err(err).Str("type", string(q.Kind)).Str("targetId", q.TargetID).Msg("poll degraded to not found")
		r.metrics.request("poll", "degraded")
		r.metrics.polled(q.Kind, false)
		return nil, nil
	}

	r.metrics.request("poll", "ok")
	r.metrics.polled(q.Kind, len(records) > 0)
	return records, nil
}

// Cleanup deletes offer, answer and candidate records in scope and returns how
// many were removed. A global scope removes every key in the backend.
func (r *Relay) Cleanup(ctx context.Context, scope CleanupScope) (int, error) {
	for _, check := range []struct{ field, value string }{
		{"senderId", scope.SenderID},
		{"targetId", scope.TargetID},
		{"sessionId", scope.SessionID},
	} {
		if err := validateID(check.field, check.value, false); err != nil {
			r.metrics.request("cleanup", "client_error")
			return 0, err
		}
	}

	var (
		deleted int
		err     error
	)
	if scope.Global() {
		deleted, err = r.deletePrefix(ctx, "", nil)
	} else {
		for _, kind := range recordKinds {
			var n int
			n, err = r.deletePrefix(ctx, kindPrefix(kind, scope.TargetID), func(parts keyParts) bool {
				return (scope.SenderID == "" || parts.sender == scope.SenderID) &&
					(scope.SessionID == "" || parts.session == scope.SessionID)
			})
			deleted += n
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		r.metrics.request("cleanup", "server_error")
		return deleted, serverError("Failed to cleanup signaling data", err)
	}

	r.metrics.request("cleanup", "ok")
	r.metrics.deleted("cleanup", deleted)
	r.log.Info().
		Str("senderId", scope.SenderID).
		Str("targetId", scope.TargetID).
		Bool("global", scope.Global()).
		Int("deletedCount", deleted).
		Msg("cleaned up signaling records")
	return deleted, nil
}

// StartHousekeeping prunes expired records every interval until ctx is done.
func (r *Relay) StartHousekeeping(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := r.kv.PruneExpired(ctx)
				if err != nil {
					r.log.Warn().Err(err).Msg("prune expired records failed")
					continue
				}
				r.metrics.deleted("expired", int(pruned))
				if pruned > 0 {
					r.log.Debug().Int64("pruned", pruned).Msg("pruned expired records")
				}
			}
		}
	}()
}

func (r *Relay) pollExact(ctx context.Context, q PollQuery) ([]Record, error) {
	key := recordKey(q.Kind, q.TargetID, q.SenderID, q.SessionID)
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, ok, err := r.claim(ctx, key, raw)
	if err != nil || !ok {
		return nil, err
	}
	return []Record{rec}, nil
}

func (r *Relay) pollFirst(ctx context.Context, q PollQuery) ([]Record, error) {
	prefix := kindPrefix(q.Kind, q.TargetID)
	if q.SenderID != "" {
		prefix += q.SenderID + "/"
	}
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		parts, ok := parseKey(entry.Key)
		if !ok || parts.kind != q.Kind {
			continue
		}
		if q.SessionID != "" && parts.session != q.SessionID {
			continue
		}
		rec, ok, err := r.claim(ctx, entry.Key, entry.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			return []Record{rec}, nil
		}
	}
	return nil, nil
}

func (r *Relay) pollCandidates(ctx context.Context, q PollQuery) ([]Record, error) {
	prefix := kindPrefix(KindCandidate, q.TargetID)
	if q.SenderID != "" {
		prefix += q.SenderID + "/"
		if q.SessionID != "" {
			prefix += q.SessionID + "/"
		}
	}
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		batch          []Record
		sender, sessID string
		chosen         bool
	)
	for _, entry := range entries {
		parts, ok := parseKey(entry.Key)
		if !ok || parts.kind != KindCandidate {
			continue
		}
		if q.SessionID != "" && parts.session != q.SessionID {
			continue
		}
		if chosen && (parts.sender != sender || parts.session != sessID) {
			continue
		}
		rec, ok, err := r.claim(ctx, entry.Key, entry.Value)
		if err != nil {
			return batch, err
		}
		if !ok {
			continue
		}
		sender, sessID, chosen = parts.sender, parts.session, true
		batch = append(batch, rec)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CandidateIndex < batch[j].CandidateIndex })
	return batch, nil
}

// claim decodes a stored value and deletes it. ok is true only when this call
// removed the record and it was still deliverable.
func (r *Relay) claim(ctx context.Context, key string, raw []byte) (Record, bool, error) {
	rec, decodeErr := decodeRecord(raw)
	deleted, err := r.kv.Delete(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	if decodeErr != nil {
		r.log.Warn().Err(decodeErr).Str("key", key).Msg("deleted corrupt signaling record")
		r.metrics.deleted("corrupt", 1)
		return Record{}, false, nil
	}
	if rec.expired(r.clock.Now(), r.ttl) {
		r.metrics.deleted("expired", 1)
		return Record{}, false, nil
	}
	return rec, deleted, nil
}

func (r *Relay) competingOffers(ctx context.Context, target, sender string) ([]string, error) {
	entries, err := r.kv.List(ctx, kindPrefix(KindOffer, target))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range entries {
		parts, ok := parseKey(entry.Key)
		if !ok || parts.sender == sender {
			continue
		}
		if _, dup := seen[parts.sender]; dup {
			continue
		}
		seen[parts.sender] = struct{}{}
		out = append(out, parts.sender)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Relay) nextCandidateIndex(ctx context.Context, target, sender, session string) (int, error) {
	entries, err := r.kv.List(ctx, recordKey(KindCandidate, target, sender, session)+"/")
	if err != nil {
		return 0, err
	}
	next := 0
	for _, entry := range entries {
		if parts, ok := parseKey(entry.Key); ok && parts.index >= next {
			next = parts.index + 1
		}
	}
	return next, nil
}

func (r *Relay) deletePrefix(ctx context.Context, prefix string, match func(keyParts) bool) (int, error) {
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, entry := range entries {
		if match != nil {
			parts, ok := parseKey(entry.Key)
			if !ok || !match(parts) {
				continue
			}
		}
		ok, err := r.kv.Delete(ctx, entry.Key)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
