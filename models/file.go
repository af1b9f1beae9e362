package models

// Transfer statuses reported for a file.
const (
	TransferQueued   = "queued"
	TransferSending  = "sending"
	TransferComplete = "complete"
	TransferFailed   = "failed"
)

// File is a fully reassembled inbound file.
type File struct {
	MessageID         string `json:"message_id"`
	From              string `json:"from"`
	Filename          string `json:"filename"`
	Filesize          int64  `json:"filesize"`
	Filetype          string `json:"filetype"`
	Checksum          string `json:"checksum"`
	Data              []byte `json:"-"`
	TimestampReceived int64  `json:"timestamp_received"`
}

// TransferProgress is a progress update for one transfer in either direction.
type TransferProgress struct {
	MessageID        string `json:"message_id"`
	Filename         string `json:"filename"`
	Outgoing         bool   `json:"outgoing"`
	BytesTransferred int64  `json:"bytes_transferred"`
	TotalBytes       int64  `json:"total_bytes"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}
