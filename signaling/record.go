// Package signaling implements the handshake relay: a short-lived mailbox
// where peers leave offers, answers and candidates for each other, plus the
// HTTP surface and client used to reach it.
package signaling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies what a handshake record carries.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

const (
	// DefaultTTL is how long a record stays deliverable after it is stored.
	DefaultTTL = 300 * time.Second
	// MaxIDLength bounds sender, target and session identifiers.
	MaxIDLength = 100

	candidateIndexWidth = 10
)

var recordKinds = []Kind{KindOffer, KindAnswer, KindCandidate}

// Valid reports whether k names a storable record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	default:
		return false
	}
}

// Record is one stored handshake message.
type Record struct {
	Kind           Kind      `json:"type"`
	SenderID       string    `json:"senderId"`
	TargetID       string    `json:"targetId"`
	SessionID      string    `json:"sessionId,omitempty"`
	Payload        string    `json:"data"`
	CandidateIndex int       `json:"candidateIndex"`
	CreatedAt      time.Time `json:"timestamp"`
}

func (r Record) expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(r.CreatedAt.Add(ttl))
}

func (r Record) key() string {
	if r.Kind == KindCandidate {
		return candidateKey(r.TargetID, r.SenderID, r.SessionID, r.CandidateIndex)
	}
	return recordKey(r.Kind, r.TargetID, r.SenderID, r.SessionID)
}

func encodeRecord(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if !rec.Kind.Valid() || rec.SenderID == "" || rec.TargetID == "" || rec.Payload == "" || rec.CreatedAt.IsZero() {
		return Record{}, fmt.Errorf("decode record: missing fields")
	}
	return rec, nil
}

// Keys: <kind>/<target>/<sender>/<session>[/<index>]. Identifiers never
// contain '/', so every segment is unambiguous.

func recordKey(kind Kind, target, sender, session string) string {
	return string(kind) + "/" + target + "/" + sender + "/" + session
}

func candidateKey(target, sender, session string, index int) string {
	return recordKey(KindCandidate, target, sender, session) + "/" + fmt.Sprintf("%0*d", candidateIndexWidth, index)
}

func kindPrefix(kind Kind, target string) string {
	if target == "" {
		return string(kind) + "/"
	}
	return string(kind) + "/" + target + "/"
}

type keyParts struct {
	kind    Kind
	target  string
	sender  string
	session string
	index   int
}

func parseKey(key string) (keyParts, bool) {
	segments := strings.Split(key, "/")
	if len(segments) < 4 {
		return keyParts{}, false
	}
	parts := keyParts{
		kind:    Kind(segments[0]),
		target:  segments[1],
		sender:  segments[2],
		session: segments[3],
	}
	switch {
	case parts.kind == KindCandidate && len(segments) == 5:
		index, err := strconv.Atoi(segments[4])
		if err != nil {
			return keyParts{}, false
		}
		parts.index = index
	case parts.kind.Valid() && parts.kind != KindCandidate && len(segments) == 4:
	default:
		return keyParts{}, false
	}
	return parts, true
}

func validateID(field, value string, required bool) *Error {
	if value == "" {
		if required {
			return clientError("Missing required fields", field+" is required")
		}
		return nil
	}
	if len(value) > MaxIDLength {
		return clientError("Invalid "+field, fmt.Sprintf("%s must be at most %d characters", field, MaxIDLength))
	}
	if strings.Contains(value, "/") {
		return clientError("Invalid "+field, field+" must not contain '/'")
	}
	return nil
}
