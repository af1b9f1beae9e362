// Package protocol defines what peers say to each other once connected: JSON
// control messages on the control channel and binary chunk frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the "type" discriminator of a control message.
type Kind string

const (
	KindText          Kind = "text"
	KindUsername      Kind = "username"
	KindPing          Kind = "ping"
	KindFile          Kind = "file"
	KindResendRequest Kind = "resend_request"
	KindLocation      Kind = "location"
	KindFileComplete  Kind = "file_complete"
)

// File completion statuses carried by FileComplete.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

var (
	// ErrUnknownMessageType indicates the "type" field names no known message.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrMissingMessageType indicates the "type" field is absent.
	ErrMissingMessageType = errors.New("protocol: missing message type")
)

// Message is one control message. The concrete types below are the only
// implementations.
type Message interface {
	Kind() Kind
}

// Text is a chat line.
type Text struct {
	Type      Kind   `json:"type"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// Username announces the sender's display name.
type Username struct {
	Type Kind   `json:"type"`
	Name string `json:"name"`
}

// Ping is the keepalive. Timestamp is unix milliseconds.
type Ping struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// FileMeta announces a file transfer before any of its chunks.
type FileMeta struct {
	Type             Kind   `json:"type"`
	Name             string `json:"name"`
	MessageID        string `json:"messageId"`
	FileName         string `json:"fileName"`
	FileSize         int64  `json:"fileSize"`
	FileType         string `json:"fileType"`
	UseSingleChannel bool   `json:"useSingleChannel"`
	Checksum         string `json:"checksum,omitempty"`
}

// ResendRequest asks the sender to retransmit one chunk.
type ResendRequest struct {
	Type         Kind   `json:"type"`
	MessageID    string `json:"messageId"`
	ChannelIndex uint32 `json:"channelIndex"`
	ChunkIndex   uint32 `json:"chunkIndex"`
}

// Location shares a position.
type Location struct {
	Type      Kind    `json:"type"`
	Name      string  `json:"name"`
	MessageID string  `json:"messageId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	URL       string  `json:"url"`
}

// FileComplete reports how a received transfer ended.
type FileComplete struct {
	Type      Kind   `json:"type"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func (Text) Kind() Kind          { return KindText }
func (Username) Kind() Kind      { return KindUsername }
func (Ping) Kind() Kind          { return KindPing }
func (FileMeta) Kind() Kind      { return KindFile }
func (ResendRequest) Kind() Kind { return KindResendRequest }
func (Location) Kind() Kind      { return KindLocation }
func (FileComplete) Kind() Kind  { return KindFileComplete }

// MapsURL returns the link shared alongside a location.
func MapsURL(lat, lng float64) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%f,%f", lat, lng)
}

// Encode marshals m with its type discriminator set.
func Encode(m Message) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case Text:
		msg.Type = KindText
		v = msg
	case Username:
		msg.Type = KindUsername
		v = msg
	case Ping:
		msg.Type = KindPing
		v = msg
	case FileMeta:
		msg.Type = KindFile
		v = msg
	case ResendRequest:
		msg.Type = KindResendRequest
		v = msg
	case Location:
		msg.Type = KindLocation
		v = msg
	case FileComplete:
		msg.Type = KindFileComplete
		v = msg
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessageType)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind(), err)
	}
	return raw, nil
}

type envelope struct {
	Type Kind `json:"type"`
}

// resendWire also accepts majorIndex, the name browser peers use for the
// channel index.
type resendWire struct {
	ResendRequest
	MajorIndex *uint32 `json:"majorIndex,omitempty"`
}

// Decode parses a control message, rejecting unknown types.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "":
		return nil, ErrMissingMessageType
	case KindText:
		return decodeAs[Text](data)
	case KindUsername:
		return decodeAs[Username](data)
	case KindPing:
		return decodeAs[Ping](data)
	case KindFile:
		return decodeAs[FileMeta](data)
	case KindResendRequest:
		var wire resendWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decode resend_request message: %w", err)
		}
		if wire.MajorIndex != nil && wire.ChannelIndex == 0 {
			wire.ChannelIndex = *wire.MajorIndex
		}
		return wire.ResendRequest, nil
	case KindLocation:
		return decodeAs[Location](data)
	case KindFileComplete:
		return decodeAs[FileComplete](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", msg.Kind(), err)
	}
	return msg, nil
}
