package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wavelite/clock"
	"wavelite/crypto"
	"wavelite/models"
	"wavelite/protocol"
)

type receiverHarness struct {
	clk *clock.FakeClock
	rx  *Receiver

	mu       sync.Mutex
	control  []protocol.Message
	progress []models.TransferProgress
	files    []models.File
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	h := &receiverHarness{clk: clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))}
	h.rx = NewReceiver(ReceiverOptions{
		ChannelCount: 3,
		Clock:        h.clk,
		SendControl: func(m protocol.Message) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.control = append(h.control, m)
			return nil
		},
		OnProgress: func(p models.TransferProgress) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.progress = append(h.progress, p)
		},
		OnReceived: func(f models.File) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.files = append(h.files, f)
		},
	})
	return h
}

func (h *receiverHarness) resends() []protocol.ResendRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.ResendRequest
	for _, m := range h.control {
		if r, ok := m.(protocol.ResendRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

func (h *receiverHarness) completions() []protocol.FileComplete {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.FileComplete
	for _, m := range h.control {
		if c, ok := m.(protocol.FileComplete); ok {
			out = append(out, c)
		}
	}
	return out
}

func (h *receiverHarness) received() []models.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.File(nil), h.files...)
}

func framesFor(data []byte, chunkSize, channels int, single bool) [][]byte {
	src := BytesSource("f", "", data)
	plan := NewPlan(int64(len(data)), chunkSize, channels, single)
	var frames [][]byte
	for _, part := range plan.Partitions {
		for _, c := range part {
			payload, err := src.readChunk(c)
			if err != nil {
				panic(err)
			}
			frames = append(frames, protocol.EncodeFrame(protocol.FrameHeader{Channel: c.Channel, Index: c.Index, Count: c.Count}, payload))
		}
	}
	return frames
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

// scrambled returns n pseudo-random bytes so misplaced chunks show up as
// content differences.
func scrambled(n int, seed uint32) []byte {
	data := make([]byte, n)
	x := seed | 1
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}

func TestReceiverReassemblesStripedOutOfOrder(t *testing.T) {
	h := newReceiverHarness(t)
	data := payload(1000)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "1", FileName: "a.bin", FileSize: 1000, Checksum: crypto.ChecksumBytes(data)})

	frames := framesFor(data, 64, 3, false)
	for i := len(frames) - 1; i >= 0; i-- {
		h.rx.HandleFrame(false, frames[i])
		h.rx.HandleFrame(false, frames[i])
	}

	files := h.received()
	require.Len(t, files, 1)
	require.Equal(t, data, files[0].Data)
	require.Equal(t, "a.bin", files[0].Filename)
	require.False(t, h.rx.Active("1"))
	require.Equal(t, []protocol.FileComplete{{MessageID: "1", Status: protocol.StatusComplete}}, h.completions())
	require.Empty(t, h.resends())
}

func TestReceiverRequestsResendForMissingChunk(t *testing.T) {
	h := newReceiverHarness(t)
	data := payload(300)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "2", FileName: "b.bin", FileSize: 300, UseSingleChannel: true})

	frames := framesFor(data, 64, 3, true)
	require.Len(t, frames, 5)
	for i, f := range frames {
		if i == 2 {
			continue
		}
		h.rx.HandleFrame(true, f)
	}

	h.clk.Advance(5 * time.Second)
	require.Equal(t, []protocol.ResendRequest{{MessageID: "2", ChannelIndex: 0, ChunkIndex: 2}}, h.resends())

	h.rx.HandleFrame(true, frames[2])
	require.Len(t, h.received(), 1)
	require.Equal(t, data, h.received()[0].Data)

	h.clk.Advance(time.Minute)
	require.Len(t, h.resends(), 1)
}

func TestReceiverAbandonsAfterRetryBudget(t *testing.T) {
	h := newReceiverHarness(t)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "3", FileName: "c.bin", FileSize: 2000000})
	h.rx.HandleFrame(false, framesFor(payload(2000000), 65536, 3, false)[0])

	for i := 1; i <= 5; i++ {
		h.clk.Advance(5 * time.Second)
		require.Len(t, h.resends(), i)
		require.True(t, h.rx.Active("3"))
	}
	require.Equal(t, protocol.ResendRequest{MessageID: "3", ChannelIndex: 0, ChunkIndex: 1}, h.resends()[0])

	h.clk.Advance(5 * time.Second)
	require.False(t, h.rx.Active("3"))
	require.Len(t, h.resends(), 5)
	completions := h.completions()
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusFailed, completions[0].Status)
	require.Empty(t, h.received())

	last := h.progress[len(h.progress)-1]
	require.Equal(t, models.TransferFailed, last.Status)
}

func TestReceiverProgressResetsRetries(t *testing.T) {
	h := newReceiverHarness(t)
	data := payload(640)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "4", FileSize: 640, UseSingleChannel: true})
	frames := framesFor(data, 64, 3, true)

	for i := 0; i < 4; i++ {
		h.clk.Advance(5 * time.Second)
	}
	require.Len(t, h.resends(), 4)

	h.rx.HandleFrame(true, frames[0])
	for i := 0; i < 5; i++ {
		h.clk.Advance(5 * time.Second)
	}
	require.True(t, h.rx.Active("4"))
	require.Len(t, h.resends(), 9)
}

func TestReceiverEmptyFileCompletesOnMetadata(t *testing.T) {
	h := newReceiverHarness(t)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "5", FileName: "empty.txt", FileSize: 0, UseSingleChannel: true})

	files := h.received()
	require.Len(t, files, 1)
	require.Empty(t, files[0].Data)
	require.Zero(t, h.rx.ActiveCount())
	require.Zero(t, h.clk.Pending())
}

func TestReceiverReplaysAuxFramesBeforeMetadata(t *testing.T) {
	h := newReceiverHarness(t)
	data := scrambled(900, 5)
	for _, f := range framesFor(data, 64, 3, false) {
		h.rx.HandleFrame(false, f)
	}
	require.Empty(t, h.received())

	h.rx.HandleMeta(protocol.FileMeta{MessageID: "6", FileSize: 900, Checksum: crypto.ChecksumBytes(data)})
	require.Len(t, h.received(), 1)
	require.Equal(t, data, h.received()[0].Data)
	require.Nil(t, h.rx.orphans)
}

func TestReceiverDropsControlFramesWithoutSession(t *testing.T) {
	h := newReceiverHarness(t)
	data := payload(200)
	for _, f := range framesFor(data, 64, 3, true) {
		h.rx.HandleFrame(true, f)
	}

	h.rx.HandleMeta(protocol.FileMeta{MessageID: "6", FileSize: 200, UseSingleChannel: true})
	require.Empty(t, h.received())
	require.True(t, h.rx.Active("6"))
	require.Nil(t, h.rx.orphans)
}

func TestReceiverDropsStaleOrphansThatDoNotFit(t *testing.T) {
	h := newReceiverHarness(t)
	stale := framesFor(scrambled(900, 6), 64, 3, false)
	h.rx.HandleFrame(false, stale[0])
	h.rx.HandleFrame(false, stale[1])

	data := scrambled(600, 7)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "6", FileSize: 600, Checksum: crypto.ChecksumBytes(data)})
	require.Nil(t, h.rx.orphans)

	h.rx.mu.Lock()
	require.Zero(t, h.rx.sessions["6"].receivedBytes)
	h.rx.mu.Unlock()

	for _, f := range framesFor(data, 64, 3, false) {
		h.rx.HandleFrame(false, f)
	}
	require.Len(t, h.received(), 1)
	require.Equal(t, data, h.received()[0].Data)
}

func TestReceiverRejectsFramesBeyondFileSize(t *testing.T) {
	h := newReceiverHarness(t)
	data := []byte("0123456789")
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "11", FileSize: 10, UseSingleChannel: true, Checksum: crypto.ChecksumBytes(data)})

	h.rx.HandleFrame(true, protocol.EncodeFrame(protocol.FrameHeader{Index: 0, Count: 1 << 28}, data))
	h.rx.HandleFrame(true, protocol.EncodeFrame(protocol.FrameHeader{Index: 1 << 27, Count: 1 << 28}, data[:1]))
	h.rx.HandleFrame(true, protocol.EncodeFrame(protocol.FrameHeader{Index: 0, Count: 1}, append([]byte("extra"), data...)))
	h.rx.HandleFrame(true, protocol.EncodeFrame(protocol.FrameHeader{Index: 0, Count: 2}, data))

	h.rx.mu.Lock()
	s := h.rx.sessions["11"]
	require.NotNil(t, s)
	require.Nil(t, s.parts[0])
	require.Zero(t, s.receivedBytes)
	h.rx.mu.Unlock()

	h.rx.HandleFrame(true, protocol.EncodeFrame(protocol.FrameHeader{Index: 0, Count: 1}, data))
	require.Len(t, h.received(), 1)
	require.Equal(t, data, h.received()[0].Data)
}

func TestReceiverCapsBytesPerPartition(t *testing.T) {
	h := newReceiverHarness(t)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "12", FileSize: 900})

	// Five chunks of a 300 byte partition may each be 60 to 74 bytes, but
	// together they cannot exceed the partition.
	for i := uint32(0); i < 4; i++ {
		h.rx.HandleFrame(false, protocol.EncodeFrame(protocol.FrameHeader{Channel: 0, Index: i, Count: 5}, make([]byte, 74)))
	}
	h.rx.HandleFrame(false, protocol.EncodeFrame(protocol.FrameHeader{Channel: 0, Index: 4, Count: 5}, make([]byte, 60)))
	h.rx.HandleFrame(false, protocol.EncodeFrame(protocol.FrameHeader{Channel: 1, Index: 0, Count: 4}, make([]byte, 100)))

	h.rx.mu.Lock()
	defer h.rx.mu.Unlock()
	s := h.rx.sessions["12"]
	require.NotNil(t, s)
	require.Equal(t, int64(296), s.stored[0])
	require.Nil(t, s.parts[1])
	require.Equal(t, int64(296), s.receivedBytes)
}

func TestChunkFits(t *testing.T) {
	for _, tc := range []struct {
		length int64
		index  uint32
		count  uint32
		n      int
		want   bool
	}{
		{300, 0, 5, 64, true},
		{300, 4, 5, 44, true},
		{300, 4, 5, 64, false},
		{300, 0, 5, 100, false},
		{65536, 0, 1, 65536, true},
		{131072, 1, 2, 65536, true},
		{10, 0, 1 << 28, 10, false},
		{10, 0, 0, 10, false},
		{10, 1, 1, 10, false},
		{10, 0, 1, 0, false},
		{10, 0, 1, 9, false},
	} {
		h := protocol.FrameHeader{Index: tc.index, Count: tc.count}
		require.Equal(t, tc.want, chunkFits(tc.length, h, tc.n), "length %d chunk %d/%d of %d bytes", tc.length, tc.index, tc.count, tc.n)
	}
}

func TestReceiverConsecutiveFilesIgnoreLateDuplicate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		single bool
		size   int
	}{
		{"single channel", true, 300},
		{"striped", false, 900},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newReceiverHarness(t)
			first, second := scrambled(tc.size, 8), scrambled(tc.size, 9)
			firstFrames := framesFor(first, 64, 3, tc.single)

			h.rx.HandleMeta(protocol.FileMeta{MessageID: "20", FileName: "first", FileSize: int64(tc.size), UseSingleChannel: tc.single, Checksum: crypto.ChecksumBytes(first)})
			for _, f := range firstFrames {
				h.rx.HandleFrame(tc.single, f)
			}
			require.Len(t, h.received(), 1)

			h.rx.HandleFrame(tc.single, firstFrames[0])
			h.rx.HandleFrame(tc.single, firstFrames[2])

			h.rx.HandleMeta(protocol.FileMeta{MessageID: "21", FileName: "second", FileSize: int64(tc.size), UseSingleChannel: tc.single, Checksum: crypto.ChecksumBytes(second)})
			for _, f := range framesFor(second, 64, 3, tc.single) {
				h.rx.HandleFrame(tc.single, f)
			}

			files := h.received()
			require.Len(t, files, 2)
			require.Equal(t, first, files[0].Data)
			require.Equal(t, "second", files[1].Filename)
			require.Equal(t, second, files[1].Data)
			require.Equal(t, []protocol.FileComplete{
				{MessageID: "20", Status: protocol.StatusComplete},
				{MessageID: "21", Status: protocol.StatusComplete},
			}, h.completions())
		})
	}
}

func TestReceiverNextFileAfterAbandonedOne(t *testing.T) {
	h := newReceiverHarness(t)
	first, second := scrambled(300, 10), scrambled(300, 11)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "30", FileName: "first", FileSize: 300, UseSingleChannel: true, Checksum: crypto.ChecksumBytes(first)})
	firstFrames := framesFor(first, 64, 3, true)
	h.rx.HandleFrame(true, firstFrames[0])
	h.rx.HandleFrame(true, firstFrames[1])

	for i := 0; i < 6; i++ {
		h.clk.Advance(5 * time.Second)
	}
	require.False(t, h.rx.Active("30"))
	h.rx.HandleFrame(true, firstFrames[3])

	h.rx.HandleMeta(protocol.FileMeta{MessageID: "31", FileName: "second", FileSize: 300, UseSingleChannel: true, Checksum: crypto.ChecksumBytes(second)})
	for _, f := range framesFor(second, 64, 3, true) {
		h.rx.HandleFrame(true, f)
	}

	files := h.received()
	require.Len(t, files, 1)
	require.Equal(t, "second", files[0].Filename)
	require.Equal(t, second, files[0].Data)
	require.Equal(t, []protocol.FileComplete{
		{MessageID: "30", Status: protocol.StatusFailed, Reason: ErrRetriesExhausted.Error()},
		{MessageID: "31", Status: protocol.StatusComplete},
	}, h.completions())
}

func TestReceiverRejectsChecksumMismatch(t *testing.T) {
	h := newReceiverHarness(t)
	data := payload(100)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "7", FileSize: 100, UseSingleChannel: true, Checksum: crypto.ChecksumBytes([]byte("other"))})
	for _, f := range framesFor(data, 64, 3, true) {
		h.rx.HandleFrame(true, f)
	}

	require.Empty(t, h.received())
	completions := h.completions()
	require.Len(t, completions, 1)
	require.Equal(t, protocol.StatusFailed, completions[0].Status)
	require.Equal(t, ErrChecksumMismatch.Error(), completions[0].Reason)
}

func TestReceiverRoutesFramesByChannelKind(t *testing.T) {
	h := newReceiverHarness(t)
	small := payload(100)
	large := payload(900)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "8", FileSize: 100, UseSingleChannel: true})
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "9", FileSize: 900})
	require.Equal(t, 2, h.rx.ActiveCount())

	for _, f := range framesFor(large, 64, 3, false) {
		h.rx.HandleFrame(false, f)
	}
	for _, f := range framesFor(small, 64, 3, true) {
		h.rx.HandleFrame(true, f)
	}

	files := h.received()
	require.Len(t, files, 2)
	require.Equal(t, "9", files[0].MessageID)
	require.Equal(t, large, files[0].Data)
	require.Equal(t, "8", files[1].MessageID)
	require.Equal(t, small, files[1].Data)
}

func TestReceiverAbortAll(t *testing.T) {
	h := newReceiverHarness(t)
	h.rx.HandleMeta(protocol.FileMeta{MessageID: "10", FileSize: 100, UseSingleChannel: true})
	h.rx.AbortAll("channel closed")

	require.Zero(t, h.rx.ActiveCount())
	require.Zero(t, h.clk.Pending())
	require.Equal(t, "channel closed", h.completions()[0].Reason)
}
