package network

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestDecodeDescription(t *testing.T) {
	desc, err := decodeDescription(`{"type":"offer","sdp":"v=0\r\n"}`, webrtc.SDPTypeOffer)
	require.NoError(t, err)
	require.Equal(t, "v=0\r\n", desc.SDP)

	desc, err = decodeDescription("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n", webrtc.SDPTypeAnswer)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, desc.Type)

	_, err = decodeDescription(`{"type":"answer","sdp":"v=0"}`, webrtc.SDPTypeOffer)
	require.Error(t, err)

	_, err = decodeDescription(`{broken`, webrtc.SDPTypeOffer)
	require.Error(t, err)
}

func TestWebRTCLinkLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	opts := WebRTCOptions{ICEServers: []string{}, IncludeLoopback: true, GatherTimeout: 10 * time.Second}
	offerer, err := NewWebRTCLink(opts)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := NewWebRTCLink(opts)
	require.NoError(t, err)
	defer answerer.Close()

	received := make(chan string, 1)
	answerer.OnChannel(func(ch DataChannel) {
		if ch.Label() != ControlLabel {
			return
		}
		ch.OnMessage(func(isText bool, data []byte) {
			if isText {
				received <- string(data)
			}
		})
	})

	control, err := offerer.OpenChannel(ControlLabel)
	require.NoError(t, err)
	opened := make(chan struct{})
	control.OnOpen(func() { close(opened) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.Contains(t, offer, `"type":"offer"`)

	answer, err := answerer.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, offerer.ApplyAnswer(answer))

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatal("control channel never opened")
	}
	require.NoError(t, control.SendText("hello over loopback"))

	select {
	case got := <-received:
		require.Equal(t, "hello over loopback", got)
	case <-ctx.Done():
		t.Fatal("message never arrived")
	}
}
