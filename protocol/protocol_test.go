package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSetsTypeDiscriminator(t *testing.T) {
	tests := []struct {
		msg  Message
		want Kind
	}{
		{Text{Name: "alice", Message: "hi", MessageID: "1"}, KindText},
		{Username{Name: "alice"}, KindUsername},
		{Ping{Timestamp: 42}, KindPing},
		{FileMeta{MessageID: "7", FileName: "a.txt", FileSize: 3}, KindFile},
		{ResendRequest{MessageID: "7", ChannelIndex: 2, ChunkIndex: 5}, KindResendRequest},
		{Location{Lat: 1.5, Lng: -2.25}, KindLocation},
		{FileComplete{MessageID: "7", Status: StatusComplete}, KindFileComplete},
	}
	for _, tc := range tests {
		t.Run(string(tc.want), func(t *testing.T) {
			raw, err := Encode(tc.msg)
			require.NoError(t, err)

			var env map[string]any
			require.NoError(t, json.Unmarshal(raw, &env))
			require.Equal(t, string(tc.want), env["type"])

			decoded, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, tc.want, decoded.Kind())
		})
	}
}

func TestDecodeBrowserMessages(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"file","name":"bob","messageId":"1700000000000","fileName":"cat.png","fileSize":2097152,"fileType":"image/png","useSingleChannel":false}`))
	require.NoError(t, err)
	meta, ok := msg.(FileMeta)
	require.True(t, ok)
	require.Equal(t, "1700000000000", meta.MessageID)
	require.Equal(t, int64(2097152), meta.FileSize)
	require.False(t, meta.UseSingleChannel)

	msg, err = Decode([]byte(`{"type":"resend_request","messageId":"9","majorIndex":2,"chunkIndex":11}`))
	require.NoError(t, err)
	require.Equal(t, ResendRequest{Type: KindResendRequest, MessageID: "9", ChannelIndex: 2, ChunkIndex: 11}, msg)

	msg, err = Decode([]byte(`{"type":"text","name":"bob","message":"hello","messageId":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, "hello", msg.(Text).Message)
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"video_call"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Decode([]byte(`{"name":"x"}`))
	require.ErrorIs(t, err, ErrMissingMessageType)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"type":"ping","timestamp":"soon"}`))
	require.Error(t, err)
}

func TestFrameLayout(t *testing.T) {
	frame := EncodeFrame(FrameHeader{Channel: 1, Index: 2, Count: 3}, []byte("abc"))
	require.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 'a', 'b', 'c'}, frame)

	h, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, FrameHeader{Channel: 1, Index: 2, Count: 3}, h)
	require.Equal(t, []byte("abc"), payload)

	h, payload, err = DecodeFrame(EncodeFrame(FrameHeader{Count: 1}, nil))
	require.NoError(t, err)
	require.Equal(t, uint32(1), h.Count)
	require.Empty(t, payload)

	_, _, err = DecodeFrame(frame[:FrameHeaderSize-1])
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestMapsURL(t *testing.T) {
	require.Equal(t, "https://www.google.com/maps?q=48.858400,2.294500", MapsURL(48.8584, 2.2945))
}
