package models

// Content types of a chat entry.
const (
	ContentText     = "text"
	ContentLocation = "location"
	ContentFile     = "file"
)

// Message is one chat entry shown to the user, sent or received.
type Message struct {
	MessageID   string  `json:"message_id"`
	From        string  `json:"from"`
	Content     string  `json:"content"`
	ContentType string  `json:"content_type"`
	Outgoing    bool    `json:"outgoing"`
	Timestamp   int64   `json:"timestamp"`
	Lat         float64 `json:"lat,omitempty"`
	Lng         float64 `json:"lng,omitempty"`
}
