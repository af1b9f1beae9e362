// Package transfer moves files between two connected peers over data
// channels: one control channel carrying metadata and small files, and a set
// of auxiliary channels that stripe large files in parallel.
package transfer

// Channel is a message-oriented data channel frames are written to.
type Channel interface {
	Send(data []byte) error
	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64
	IsOpen() bool
}

// ControlChannel is the channel that also carries JSON control messages.
type ControlChannel interface {
	Channel
	SendText(text string) error
}
