package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wavelite/clock"
	"wavelite/models"
	"wavelite/protocol"
)

const (
	// DefaultChunkSize is the payload size of one frame.
	DefaultChunkSize = 64 * 1024
	// DefaultSingleChannelThreshold is the file size from which transfers are
	// striped across the auxiliary channels.
	DefaultSingleChannelThreshold = 1024 * 1024
	// DefaultChannelCount is the number of auxiliary channels.
	DefaultChannelCount = 3
	// DefaultBufferThreshold pauses sending while a channel has more queued.
	DefaultBufferThreshold = 4 * 1024 * 1024
	// DefaultBackpressureDelay is the re-check interval while paused.
	DefaultBackpressureDelay = 100 * time.Millisecond
	// DefaultPostMetadataDelay separates metadata from the first chunk.
	DefaultPostMetadataDelay = 100 * time.Millisecond
	// DefaultRetainTimeout bounds how long a sent plan is kept for resends
	// when the receiver never confirms.
	DefaultRetainTimeout = 2 * time.Minute
)

var (
	// ErrEngineClosed indicates the engine no longer accepts work.
	ErrEngineClosed = errors.New("transfer: engine closed")
	// ErrChannelUnavailable indicates a channel never became writable.
	ErrChannelUnavailable = errors.New("transfer: channel unavailable")
)

// Options configures an Engine. Zero values take the defaults above; a
// negative PostMetadataDelay disables the delay.
type Options struct {
	// LocalName is announced as the sender name in file metadata.
	LocalName              string
	ChunkSize              int
	SingleChannelThreshold int64
	ChannelCount           int
	BufferThreshold        uint64
	BackpressureDelay      time.Duration
	PostMetadataDelay      time.Duration
	RetainTimeout          time.Duration
	Retry                  RetryPolicy

	Clock  clock.Clock
	Logger zerolog.Logger

	OnQueued   func(queueID, fileName string)
	OnProgress func(models.TransferProgress)
	OnReceived func(models.File)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SingleChannelThreshold <= 0 {
		o.SingleChannelThreshold = DefaultSingleChannelThreshold
	}
	if o.ChannelCount <= 0 {
		o.ChannelCount = DefaultChannelCount
	}
	if o.BufferThreshold == 0 {
		o.BufferThreshold = DefaultBufferThreshold
	}
	if o.BackpressureDelay <= 0 {
		o.BackpressureDelay = DefaultBackpressureDelay
	}
	switch {
	case o.PostMetadataDelay == 0:
		o.PostMetadataDelay = DefaultPostMetadataDelay
	case o.PostMetadataDelay < 0:
		o.PostMetadataDelay = 0
	}
	if o.RetainTimeout <= 0 {
		o.RetainTimeout = DefaultRetainTimeout
	}
	o.Retry = o.Retry.withDefaults()
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return o
}

// Engine sends and receives files over one control channel and a set of
// auxiliary channels. Queued sends run one at a time in FIFO order.
type Engine struct {
	opts     Options
	log      zerolog.Logger
	control  ControlChannel
	receiver *Receiver
	queue    *workQueue

	auxMu sync.RWMutex
	aux   []Channel

	outMu    sync.Mutex
	outbound map[string]*outboundTransfer

	idMu   sync.Mutex
	lastID int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine writing to control. Call Start to begin sending.
func NewEngine(control ControlChannel, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "transfer").Logger(),
		control:  control,
		queue:    newWorkQueue(),
		aux:      make([]Channel, opts.ChannelCount),
		outbound: make(map[string]*outboundTransfer),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.receiver = NewReceiver(ReceiverOptions{
		ChannelCount: opts.ChannelCount,
		Retry:        opts.Retry,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		SendControl:  e.sendControl,
		OnProgress:   opts.OnProgress,
		OnReceived:   opts.OnReceived,
	})
	return e
}

// Start launches the send worker. It stops when ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()

	e.wg.Add(1)
	go e.runQueue()
}

// Close stops the worker, fails pending sends and abandons inbound sessions.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()

	for _, item := range e.queue.drain() {
		if item.closer != nil {
			item.closer()
		}
	}
	e.outMu.Lock()
	for id, ot := range e.outbound {
		ot.release()
		delete(e.outbound, id)
	}
	e.outMu.Unlock()
	e.receiver.AbortAll("connection closed")
}

// AttachAux registers the auxiliary channel for index.
func (e *Engine) AttachAux(index int, ch Channel) {
	e.auxMu.Lock()
	defer e.auxMu.Unlock()
	if index >= 0 && index < len(e.aux) {
		e.aux[index] = ch
	}
}

// Enqueue queues src for sending and returns its queue id.
func (e *Engine) Enqueue(src Source) (string, error) {
	return e.enqueue(src, nil)
}

// EnqueueFile opens path and queues it. The file is closed once the transfer
// is no longer retained.
func (e *Engine) EnqueueFile(path string) (string, error) {
	src, closer, err := OpenFile(path)
	if err != nil {
		return "", err
	}
	id, err := e.enqueue(src, func() { _ = closer.Close() })
	if err != nil {
		_ = closer.Close()
	}
	return id, err
}

func (e *Engine) enqueue(src Source, closer func()) (string, error) {
	if e.ctx.Err() != nil {
		return "", ErrEngineClosed
	}
	if src.Reader == nil || src.Size < 0 {
		return "", errors.New("transfer: source has no reader")
	}

	item := queueItem{id: uuid.NewString(), source: src, closer: closer}
	e.queue.push(item)
	e.log.Info().Str("queueId", item.id).Str("fileName", src.Name).Int64("size", src.Size).Int("queued", e.queue.len()).Msg("file queued")
	if e.opts.OnQueued != nil {
		e.opts.OnQueued(item.id, src.Name)
	}
	return item.id, nil
}

// QueueLen returns the number of sends waiting behind the active one.
func (e *Engine) QueueLen() int {
	return e.queue.len()
}

// HandleControl consumes the transfer-related control messages and reports
// whether msg was one of them.
func (e *Engine) HandleControl(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.FileMeta:
		e.receiver.HandleMeta(m)
	case protocol.ResendRequest:
		e.handleResendRequest(m)
	case protocol.FileComplete:
		e.handleFileComplete(m)
	default:
		return false
	}
	return true
}

// HandleControlFrame takes a binary message received on the control channel.
func (e *Engine) HandleControlFrame(data []byte) {
	e.receiver.HandleFrame(true, data)
}

// HandleAuxFrame takes a binary message received on an auxiliary channel.
func (e *Engine) HandleAuxFrame(data []byte) {
	e.receiver.HandleFrame(false, data)
}

// AbortInbound abandons all inbound transfers.
func (e *Engine) AbortInbound(reason string) {
	e.receiver.AbortAll(reason)
}

// Receiver exposes inbound session state.
func (e *Engine) Receiver() *Receiver {
	return e.receiver
}

// Retained reports whether a sent transfer is still kept for resends.
func (e *Engine) Retained(messageID string) bool {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	_, ok := e.outbound[messageID]
	return ok
}

func (e *Engine) sendControl(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !e.control.IsOpen() {
		return fmt.Errorf("send %s: %w", msg.Kind(), ErrChannelUnavailable)
	}
	return e.control.SendText(string(raw))
}

// NextMessageID returns a millisecond timestamp, bumped so ids never repeat.
// Chat messages and files share the sequence.
func (e *Engine) NextMessageID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	id := e.opts.Clock.Now().UnixMilli()
	if id <= e.lastID {
		id = e.lastID + 1
	}
	e.lastID = id
	return strconv.FormatInt(id, 10)
}

func (e *Engine) auxChannel(index int) Channel {
	e.auxMu.RLock()
	defer e.auxMu.RUnlock()
	if index < 0 || index >= len(e.aux) {
		return nil
	}
	return e.aux[index]
}

// sleep waits d or until the engine stops.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.opts.Clock.After(d):
		return nil
	}
}

func (e *Engine) emitProgress(p models.TransferProgress) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(p)
	}
}
