package protocol

import (
	"encoding/binary"
	"errors"
)

// FrameHeaderSize is the length of the chunk frame header: channel index,
// chunk index and chunk count as little-endian uint32, the layout a browser's
// Uint32Array view produces.
const FrameHeaderSize = 12

// ErrShortFrame indicates a binary message smaller than the frame header.
var ErrShortFrame = errors.New("protocol: frame shorter than header")

// FrameHeader locates a chunk within its transfer. Channel is 0 for
// single-channel transfers.
type FrameHeader struct {
	Channel uint32
	Index   uint32
	Count   uint32
}

// EncodeFrame returns header followed by payload.
func EncodeFrame(h FrameHeader, payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], h.Channel)
	binary.LittleEndian.PutUint32(frame[4:8], h.Index)
	binary.LittleEndian.PutUint32(frame[8:12], h.Count)
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// DecodeFrame splits a frame. The payload aliases data.
func DecodeFrame(data []byte) (FrameHeader, []byte, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, nil, ErrShortFrame
	}
	h := FrameHeader{
		Channel: binary.LittleEndian.Uint32(data[0:4]),
		Index:   binary.LittleEndian.Uint32(data[4:8]),
		Count:   binary.LittleEndian.Uint32(data[8:12]),
	}
	return h, data[FrameHeaderSize:], nil
}
