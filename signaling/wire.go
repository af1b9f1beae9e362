package signaling

// kindCleanup is the POST type that deletes instead of storing.
const kindCleanup = "cleanup"

type postRequest struct {
	Type      string `json:"type"`
	SenderID  string `json:"senderId"`
	TargetID  string `json:"targetId"`
	Data      string `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type postResponse struct {
	Success          bool     `json:"success"`
	Type             string   `json:"type"`
	SenderID         string   `json:"senderId"`
	TargetID         string   `json:"targetId"`
	SessionID        string   `json:"sessionId,omitempty"`
	CandidateIndex   *int     `json:"candidateIndex,omitempty"`
	CompetingSenders []string `json:"competingSenders,omitempty"`
	DeletedCount     *int     `json:"deletedCount,omitempty"`
	Timestamp        string   `json:"timestamp"`
}

type wireCandidate struct {
	Data           string `json:"data"`
	CandidateIndex int    `json:"candidateIndex"`
	Timestamp      string `json:"timestamp"`
}

type pollResponse struct {
	Found      bool            `json:"found"`
	Type       string          `json:"type"`
	TargetID   string          `json:"targetId"`
	SenderID   string          `json:"senderId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Data       string          `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Candidates []wireCandidate `json:"candidates,omitempty"`
	Count      int             `json:"count,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
