package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Path is where the relay endpoint is mounted.
const Path = "/signaling"

const maxRequestBody = 1 << 20

type handler struct {
	relay *Relay
	log   zerolog.Logger
}

// NewHandler exposes relay over HTTP: POST stores or cleans up, GET polls.
// Every response is JSON and allows any origin.
func NewHandler(relay *Relay, logger zerolog.Logger) http.Handler {
	return &handler{relay: relay, log: logger.With().Str("component", "relay-http").Logger()}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
	header.Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
	}
}

func (h *handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON", Details: err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required fields", Details: "type is required"})
		return
	}

	if req.Type == kindCleanup {
		deleted, err := h.relay.Cleanup(r.Context(), CleanupScope{
			SenderID:  req.SenderID,
			TargetID:  req.TargetID,
			SessionID: req.SessionID,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, postResponse{
			Success:      true,
			Type:         kindCleanup,
			SenderID:     req.SenderID,
			TargetID:     req.TargetID,
			SessionID:    req.SessionID,
			DeletedCount: &deleted,
			Timestamp:    formatTime(h.relay.clock.Now()),
		})
		return
	}

	result, err := h.relay.Store(r.Context(), StoreRequest{
		Kind:      Kind(req.Type),
		SenderID:  req.SenderID,
		TargetID:  req.TargetID,
		SessionID: req.SessionID,
		Payload:   req.Data,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := postResponse{
		Success:          true,
		Type:             string(result.Kind),
		SenderID:         result.SenderID,
		TargetID:         result.TargetID,
		SessionID:        result.SessionID,
		CompetingSenders: result.CompetingSenders,
		Timestamp:        formatTime(result.Timestamp),
	}
	if result.Kind == KindCandidate {
		index := result.CandidateIndex
		resp.CandidateIndex = &index
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := PollQuery{
		Kind:      Kind(query.Get("type")),
		TargetID:  query.Get("targetId"),
		SenderID:  query.Get("senderId"),
		SessionID: query.Get("sessionId"),
	}
	if q.Kind == "" || q.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required parameters", Details: "type and targetId are required"})
		return
	}

	records, err := h.relay.Poll(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPoll(q, records))
}

func renderPoll(q PollQuery, records []Record) pollResponse {
	resp := pollResponse{
		Type:      string(q.Kind),
		TargetID:  q.TargetID,
		SenderID:  q.SenderID,
		SessionID: q.SessionID,
	}
	if len(records) == 0 {
		return resp
	}

	first := records[0]
	resp.Found = true
	resp.SenderID = first.SenderID
	resp.SessionID = first.SessionID
	if q.Kind != KindCandidate {
		resp.Data = first.Payload
		resp.Timestamp = formatTime(first.CreatedAt)
		return resp
	}

	resp.Candidates = make([]wireCandidate, 0, len(records))
	for _, rec := range records {
		resp.Candidates = append(resp.Candidates, wireCandidate{
			Data:           rec.Payload,
			CandidateIndex: rec.CandidateIndex,
			Timestamp:      formatTime(rec.CreatedAt),
		})
	}
	resp.Count = len(records)
	return resp
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		relayErr = serverError("Internal server error", err)
	}
	if relayErr.Class == ClassServer {
		h.log.Error().Err(err).Msg("relay request failed")
	}
	details := relayErr.Details
	if details == "" && relayErr.Err != nil {
		details = relayErr.Err.Error()
	}
	writeJSON(w, relayErr.StatusCode(), errorResponse{Error: relayErr.Message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
