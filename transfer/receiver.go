package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"wavelite/clock"
	"wavelite/crypto"
	"wavelite/models"
	"wavelite/protocol"
)

const defaultOrphanLimit = 256

var (
	// ErrChecksumMismatch indicates a reassembled file does not match the
	// digest announced in its metadata.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrRetriesExhausted indicates the sender stopped answering resend requests.
	ErrRetriesExhausted = errors.New("transfer: resend retries exhausted")
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// ChannelCount is the number of auxiliary channels striped transfers use.
	ChannelCount int
	Retry        RetryPolicy
	// OrphanLimit bounds auxiliary frames buffered while no striped session
	// can take them.
	OrphanLimit int
	Clock       clock.Clock
	Logger      zerolog.Logger

	SendControl func(protocol.Message) error
	OnProgress  func(models.TransferProgress)
	OnReceived  func(models.File)
}

// Receiver reassembles inbound transfers. Frames carry no message id, so a
// frame on the control channel belongs to the oldest incomplete single-channel
// session and a frame on an auxiliary channel to the oldest incomplete striped
// session. Only auxiliary frames can overtake their metadata, so only they are
// held back until a striped session opens.
type Receiver struct {
	opts ReceiverOptions
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*inboundTransfer
	nextSeq  uint64
	orphans  [][]byte
	// ended holds chunk digests of the last striped session to end, so its
	// late duplicates are not mistaken for the next file's early frames.
	ended map[chunkKey]string
}

type chunkKey struct {
	channel, index, count uint32
}

type inboundTransfer struct {
	meta     protocol.FileMeta
	seq      uint64
	expected []int64
	parts    [][][]byte
	filled   []int
	// stored counts the bytes held per partition.
	stored []int64
	// digests is kept for striped sessions only.
	digests map[chunkKey]string

	receivedBytes int64
	retries       int
	lastPercent   int
	timer         *clock.Timer
}

// NewReceiver returns a receiver with no sessions.
func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.ChannelCount <= 0 {
		opts.ChannelCount = DefaultChannelCount
	}
	opts.Retry = opts.Retry.withDefaults()
	if opts.OrphanLimit <= 0 {
		opts.OrphanLimit = defaultOrphanLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SendControl == nil {
		opts.SendControl = func(protocol.Message) error { return nil }
	}
	return &Receiver{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "receiver").Logger(),
		sessions: make(map[string]*inboundTransfer),
	}
}

// HandleMeta opens a session for an announced file. Auxiliary frames that
// arrived ahead of striped metadata are replayed into it; those that do not
// fit its layout are dropped.
func (r *Receiver) HandleMeta(meta protocol.FileMeta) {
	if meta.MessageID == "" || meta.FileSize < 0 {
		r.log.Warn().Str("messageId", meta.MessageID).Int64("fileSize", meta.FileSize).Msg("ignoring invalid file metadata")
		return
	}

	if meta.FileSize == 0 {
		r.log.Info().Str("messageId", meta.MessageID).Str("fileName", meta.FileName).Msg("received empty file")
		r.finish(&inboundTransfer{meta: meta})
		return
	}

	r.mu.Lock()
	if _, exists := r.sessions[meta.MessageID]; exists {
		r.mu.Unlock()
		return
	}

	s := &inboundTransfer{meta: meta, seq: r.nextSeq}
	r.nextSeq++
	if meta.UseSingleChannel {
		s.expected = []int64{meta.FileSize}
	} else {
		s.expected = PartitionLengths(meta.FileSize, r.opts.ChannelCount)
	}
	s.parts = make([][][]byte, len(s.expected))
	s.filled = make([]int, len(s.expected))
	s.stored = make([]int64, len(s.expected))
	if !meta.UseSingleChannel {
		s.digests = make(map[chunkKey]string)
	}
	s.timer = r.opts.Clock.AfterFunc(r.opts.Retry.Delay(0), func() { r.onTimeout(meta.MessageID, s) })
	r.sessions[meta.MessageID] = s

	var orphans [][]byte
	if !meta.UseSingleChannel {
		orphans = r.orphans
		r.orphans = nil
		r.ended = nil
	}
	r.mu.Unlock()

	r.log.Info().
		Str("messageId", meta.MessageID).
		Str("fileName", meta.FileName).
		Int64("fileSize", meta.FileSize).
		Bool("singleChannel", meta.UseSingleChannel).
		Msg("receiving file")
	r.emitProgress(s, 0, models.TransferSending, "")

	for _, frame := range orphans {
		r.HandleFrame(false, frame)
	}
}

// HandleFrame stores one binary frame. fromControl says whether it arrived on
// the control channel.
func (r *Receiver) HandleFrame(fromControl bool, data []byte) {
	header, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		r.log.Warn().Err(err).Int("length", len(data)).Msg("dropping malformed frame")
		return
	}

	r.mu.Lock()
	s := r.oldestLocked(fromControl)
	if s == nil {
		if fromControl {
			r.log.Debug().Uint32("chunkIndex", header.Index).Msg("dropping control frame with no matching transfer")
		} else {
			r.bufferOrphanLocked(header, payload, data)
		}
		r.mu.Unlock()
		return
	}

	partition := int(header.Channel)
	if fromControl {
		partition = 0
	}
	if !s.storeLocked(partition, header, payload) {
		r.mu.Unlock()
		r.log.Debug().
			Str("messageId", s.meta.MessageID).
			Uint32("channelIndex", header.Channel).
			Uint32("chunkIndex", header.Index).
			Uint32("chunkCount", header.Count).
			Msg("dropping frame that does not fit transfer")
		return
	}
	s.retries = 0
	s.timer.Reset(r.opts.Retry.Delay(0))

	percent := s.percent()
	report := percent != s.lastPercent
	s.lastPercent = percent
	done := s.completeLocked()
	if done {
		r.endLocked(s)
	}
	received := s.receivedBytes
	r.mu.Unlock()

	if done {
		r.finish(s)
		return
	}
	if report {
		r.emitProgress(s, received, models.TransferSending, "")
	}
}

// Active reports whether a session for messageID is still being tracked.
func (r *Receiver) Active(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[messageID]
	return ok
}

// ActiveCount returns the number of incomplete sessions.
func (r *Receiver) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AbortAll abandons every incomplete session, e.g. after a channel error.
func (r *Receiver) AbortAll(reason string) {
	r.mu.Lock()
	sessions := make([]*inboundTransfer, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.timer.Stop()
		delete(r.sessions, id)
		sessions = append(sessions, s)
	}
	r.orphans = nil
	r.ended = nil
	r.mu.Unlock()

	for _, s := range sessions {
		r.fail(s, errors.New(reason))
	}
}

func (r *Receiver) oldestLocked(single bool) *inboundTransfer {
	var oldest *inboundTransfer
	for _, s := range r.sessions {
		if s.meta.UseSingleChannel != single {
			continue
		}
		if oldest == nil || s.seq < oldest.seq {
			oldest = s
		}
	}
	return oldest
}

// endLocked forgets s. Auxiliary frames still buffered when a striped session
// ends cannot belong to the next one.
func (r *Receiver) endLocked(s *inboundTransfer) {
	delete(r.sessions, s.meta.MessageID)
	if s.timer != nil {
		s.timer.Stop()
	}
	if !s.meta.UseSingleChannel {
		r.orphans = nil
		r.ended = s.digests
	}
}

func (r *Receiver) bufferOrphanLocked(h protocol.FrameHeader, payload, data []byte) {
	if digest, ok := r.ended[chunkKey{h.Channel, h.Index, h.Count}]; ok && digest == crypto.ChecksumBytes(payload) {
		r.log.Debug().Uint32("channelIndex", h.Channel).Uint32("chunkIndex", h.Index).Msg("dropping late duplicate chunk")
		return
	}
	if len(r.orphans) >= r.opts.OrphanLimit {
		r.log.Warn().Msg("dropping auxiliary frame with no matching transfer")
		return
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	r.orphans = append(r.orphans, frame)
}

func (r *Receiver) onTimeout(messageID string, s *inboundTransfer) {
	r.mu.Lock()
	if r.sessions[messageID] != s {
		r.mu.Unlock()
		return
	}

	if r.opts.Retry.Exhausted(s.retries) {
		r.endLocked(s)
		r.mu.Unlock()
		r.log.Warn().Str("messageId", messageID).Int("retries", s.retries).Msg("abandoning transfer")
		r.fail(s, ErrRetriesExhausted)
		return
	}

	channel, index, ok := s.firstMissingLocked()
	if !ok {
		r.endLocked(s)
		r.mu.Unlock()
		r.fail(s, fmt.Errorf("transfer: size mismatch, got %d of %d bytes", s.receivedBytes, s.meta.FileSize))
		return
	}
	s.retries++
	s.timer.Reset(r.opts.Retry.Delay(s.retries))
	attempt := s.retries
	r.mu.Unlock()

	r.log.Debug().
		Str("messageId", messageID).
		Uint32("channelIndex", channel).
		Uint32("chunkIndex", index).
		Int("attempt", attempt).
		Msg("requesting chunk resend")
	if err := r.opts.SendControl(protocol.ResendRequest{MessageID: messageID, ChannelIndex: channel, ChunkIndex: index}); err != nil {
		r.log.Warn().Err(err).Str("messageId", messageID).Msg("send resend request failed")
	}
}

func (r *Receiver) finish(s *inboundTransfer) {
	data := s.assemble()
	if int64(len(data)) != s.meta.FileSize {
		r.fail(s, fmt.Errorf("transfer: size mismatch, got %d of %d bytes", len(data), s.meta.FileSize))
		return
	}
	if !crypto.VerifyChecksum(data, s.meta.Checksum) {
		r.fail(s, ErrChecksumMismatch)
		return
	}

	if err := r.opts.SendControl(protocol.FileComplete{MessageID: s.meta.MessageID, Status: protocol.StatusComplete}); err != nil {
		r.log.Debug().Err(err).Str("messageId", s.meta.MessageID).Msg("send file completion failed")
	}
	r.emitProgress(s, s.meta.FileSize, models.TransferComplete, "")
	r.log.Info().Str("messageId", s.meta.MessageID).Str("fileName", s.meta.FileName).Msg("file received")

	if r.opts.OnReceived != nil {
		r.opts.OnReceived(models.File{
			MessageID:         s.meta.MessageID,
			From:              s.meta.Name,
			Filename:          s.meta.FileName,
			Filesize:          s.meta.FileSize,
			Filetype:          s.meta.FileType,
			Checksum:          s.meta.Checksum,
			Data:              data,
			TimestampReceived: r.opts.Clock.Now().UnixMilli(),
		})
	}
}

func (r *Receiver) fail(s *inboundTransfer, cause error) {
	if err := r.opts.SendControl(protocol.FileComplete{
		MessageID: s.meta.MessageID,
		Status:    protocol.StatusFailed,
		Reason:    cause.Error(),
	}); err != nil {
		r.log.Debug().Err(err).Str("messageId", s.meta.MessageID).Msg("send file failure failed")
	}
	r.log.Warn().Err(cause).Str("messageId", s.meta.MessageID).Str("fileName", s.meta.FileName).Msg("file transfer failed")
	r.emitProgress(s, s.receivedBytes, models.TransferFailed, cause.Error())
}

func (r *Receiver) emitProgress(s *inboundTransfer, received int64, status, errMsg string) {
	if r.opts.OnProgress == nil {
		return
	}
	r.opts.OnProgress(models.TransferProgress{
		MessageID:        s.meta.MessageID,
		Filename:         s.meta.FileName,
		BytesTransferred: received,
		TotalBytes:       s.meta.FileSize,
		Status:           status,
		Error:            errMsg,
	})
}

// storeLocked places a chunk. It returns false for frames that do not fit the
// session or duplicate a chunk already held. The header is checked against the
// partition length before any slots are allocated.
func (s *inboundTransfer) storeLocked(partition int, h protocol.FrameHeader, payload []byte) bool {
	if partition < 0 || partition >= len(s.expected) || s.expected[partition] == 0 {
		return false
	}
	if !chunkFits(s.expected[partition], h, len(payload)) {
		return false
	}
	n := int64(len(payload))
	if s.stored[partition]+n > s.expected[partition] || s.receivedBytes+n > s.meta.FileSize {
		return false
	}
	if s.parts[partition] == nil {
		s.parts[partition] = make([][]byte, h.Count)
	}
	slots := s.parts[partition]
	if uint32(len(slots)) != h.Count || slots[h.Index] != nil {
		return false
	}

	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	slots[h.Index] = chunk
	s.filled[partition]++
	s.stored[partition] += n
	s.receivedBytes += n
	if s.digests != nil {
		s.digests[chunkKey{h.Channel, h.Index, h.Count}] = crypto.ChecksumBytes(chunk)
	}
	return true
}

// chunkFits reports whether a frame of n payload bytes can be chunk h.Index of
// h.Count equal chunks splitting a partition of length bytes, the last chunk
// possibly shorter.
func chunkFits(length int64, h protocol.FrameHeader, n int) bool {
	count := int64(h.Count)
	size := int64(n)
	if count == 0 || h.Index >= h.Count || count > length || size == 0 || size > length {
		return false
	}
	if h.Index < h.Count-1 {
		return (length+size-1)/size == count
	}
	if count == 1 {
		return size == length
	}
	rest := length - size
	return rest%(count-1) == 0 && rest/(count-1) >= size
}

func (s *inboundTransfer) completeLocked() bool {
	for p, expected := range s.expected {
		if expected == 0 {
			continue
		}
		if s.parts[p] == nil || s.filled[p] < len(s.parts[p]) {
			return false
		}
	}
	return true
}

// firstMissingLocked names the first chunk still absent in (channel, index)
// order. A partition with no frames yet reports chunk 0.
func (s *inboundTransfer) firstMissingLocked() (uint32, uint32, bool) {
	for p, expected := range s.expected {
		if expected == 0 {
			continue
		}
		if s.parts[p] == nil {
			return uint32(p), 0, true
		}
		for i, slot := range s.parts[p] {
			if slot == nil {
				return uint32(p), uint32(i), true
			}
		}
	}
	return 0, 0, false
}

func (s *inboundTransfer) assemble() []byte {
	data := make([]byte, 0, s.meta.FileSize)
	for _, part := range s.parts {
		for _, chunk := range part {
			data = append(data, chunk...)
		}
	}
	return data
}

func (s *inboundTransfer) percent() int {
	if s.meta.FileSize <= 0 {
		return 100
	}
	return int(s.receivedBytes * 100 / s.meta.FileSize)
}
