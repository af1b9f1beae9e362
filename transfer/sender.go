package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wavelite/clock"
	"wavelite/crypto"
	"wavelite/models"
	"wavelite/protocol"
)

// auxOpenTimeout bounds the wait for an auxiliary channel to open.
const auxOpenTimeout = 10 * time.Second

// outboundTransfer is a sent file kept around to serve resend requests until
// the receiver confirms it or the retain timer fires. done is closed on
// release and holds the send worker until then.
type outboundTransfer struct {
	messageID string
	source    Source
	plan      Plan
	timer     *clock.Timer
	done      chan struct{}

	once   sync.Once
	closer func()
}

func (o *outboundTransfer) release() {
	o.once.Do(func() {
		if o.timer != nil {
			o.timer.Stop()
		}
		if o.closer != nil {
			o.closer()
		}
		close(o.done)
	})
}

// progressTracker reports sender progress when the whole percentage changes.
type progressTracker struct {
	mu          sync.Mutex
	sent        int64
	lastPercent int
	total       int64
	emit        func(sent int64)
}

func (p *progressTracker) add(n int) {
	p.mu.Lock()
	p.sent += int64(n)
	sent := p.sent
	percent := 100
	if p.total > 0 {
		percent = int(sent * 100 / p.total)
	}
	changed := percent != p.lastPercent
	p.lastPercent = percent
	p.mu.Unlock()

	if changed {
		p.emit(sent)
	}
}

func (e *Engine) runQueue() {
	defer e.wg.Done()
	for {
		item, err := e.queue.pop(e.ctx)
		if err != nil {
			return
		}
		ot := e.sendItem(e.ctx, item)
		if ot == nil {
			continue
		}
		// The next file starts only once this one is confirmed, rejected or
		// released by the retain timer.
		select {
		case <-ot.done:
		case <-e.ctx.Done():
			return
		}
	}
}

// sendItem sends one queued file and returns its retained transfer, or nil
// when it failed before anything was registered.
func (e *Engine) sendItem(ctx context.Context, item queueItem) *outboundTransfer {
	src := item.source
	messageID := e.NextMessageID()
	single := src.Size < e.opts.SingleChannelThreshold
	log := e.log.With().Str("messageId", messageID).Str("fileName", src.Name).Logger()

	progress := func(sent int64, status, errMsg string) {
		e.emitProgress(models.TransferProgress{
			MessageID:        messageID,
			Filename:         src.Name,
			Outgoing:         true,
			BytesTransferred: sent,
			TotalBytes:       src.Size,
			Status:           status,
			Error:            errMsg,
		})
	}
	failed := func(err error) {
		log.Warn().Err(err).Msg("file send failed")
		e.releaseOutbound(messageID)
		progress(0, models.TransferFailed, err.Error())
	}

	checksum, err := crypto.Checksum(src.Reader, src.Size)
	if err != nil {
		if item.closer != nil {
			item.closer()
		}
		failed(err)
		return nil
	}

	ot := &outboundTransfer{
		messageID: messageID,
		source:    src,
		plan:      NewPlan(src.Size, e.opts.ChunkSize, e.opts.ChannelCount, single),
		closer:    item.closer,
		done:      make(chan struct{}),
	}
	e.outMu.Lock()
	e.outbound[messageID] = ot
	e.outMu.Unlock()

	meta := protocol.FileMeta{
		Name:             e.opts.LocalName,
		MessageID:        messageID,
		FileName:         src.Name,
		FileSize:         src.Size,
		FileType:         src.MimeType,
		UseSingleChannel: single,
		Checksum:         checksum,
	}
	if err := e.sendControl(meta); err != nil {
		failed(fmt.Errorf("send file metadata: %w", err))
		return ot
	}
	log.Info().
		Int64("size", src.Size).
		Bool("singleChannel", single).
		Int("chunks", ot.plan.TotalChunks()).
		Msg("sending file")
	progress(0, models.TransferSending, "")

	if err := e.sleep(ctx, e.opts.PostMetadataDelay); err != nil {
		failed(err)
		return ot
	}

	tracker := &progressTracker{total: src.Size, emit: func(sent int64) { progress(sent, models.TransferSending, "") }}
	if single {
		err = e.sendPartition(ctx, e.control, src, ot.plan.Partitions[0], tracker)
	} else {
		err = e.sendStriped(ctx, src, ot.plan, tracker)
	}
	if err != nil {
		failed(err)
		return ot
	}

	e.outMu.Lock()
	if _, ok := e.outbound[messageID]; ok {
		ot.timer = e.opts.Clock.AfterFunc(e.opts.RetainTimeout, func() {
			if e.releaseOutbound(messageID) {
				log.Debug().Msg("released unconfirmed transfer")
			}
		})
	}
	e.outMu.Unlock()
	log.Info().Msg("file sent, awaiting confirmation")
	return ot
}

func (e *Engine) sendStriped(ctx context.Context, src Source, plan Plan, tracker *progressTracker) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range plan.Partitions {
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			ch, err := e.waitAux(gctx, i)
			if err != nil {
				return err
			}
			return e.sendPartition(gctx, ch, src, part, tracker)
		})
	}
	return g.Wait()
}

func (e *Engine) sendPartition(ctx context.Context, ch Channel, src Source, chunks []Chunk, tracker *progressTracker) error {
	for _, c := range chunks {
		if err := e.waitWritable(ctx, ch); err != nil {
			return err
		}
		payload, err := src.readChunk(c)
		if err != nil {
			return err
		}
		frame := protocol.EncodeFrame(protocol.FrameHeader{Channel: c.Channel, Index: c.Index, Count: c.Count}, payload)
		if err := ch.Send(frame); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", c.Channel, c.Index, err)
		}
		tracker.add(c.Length)
	}
	return nil
}

// waitWritable blocks while ch has more than the buffer threshold queued.
func (e *Engine) waitWritable(ctx context.Context, ch Channel) error {
	for {
		if !ch.IsOpen() {
			return ErrChannelUnavailable
		}
		if ch.BufferedAmount() <= e.opts.BufferThreshold {
			return nil
		}
		if err := e.sleep(ctx, e.opts.BackpressureDelay); err != nil {
			return err
		}
	}
}

// waitAux waits for auxiliary channel index to be attached and open.
func (e *Engine) waitAux(ctx context.Context, index int) (Channel, error) {
	deadline := e.opts.Clock.Now().Add(auxOpenTimeout)
	for {
		if ch := e.auxChannel(index); ch != nil && ch.IsOpen() {
			return ch, nil
		}
		if !e.opts.Clock.Now().Before(deadline) {
			return nil, fmt.Errorf("auxiliary channel %d: %w", index, ErrChannelUnavailable)
		}
		if err := e.sleep(ctx, e.opts.BackpressureDelay); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) handleResendRequest(req protocol.ResendRequest) {
	e.outMu.Lock()
	ot, ok := e.outbound[req.MessageID]
	if ok && ot.timer != nil {
		ot.timer.Reset(e.opts.RetainTimeout)
	}
	e.outMu.Unlock()
	if !ok {
		e.log.Debug().Str("messageId", req.MessageID).Msg("resend request for unknown transfer")
		return
	}

	chunk, ok := ot.plan.Chunk(req.ChannelIndex, req.ChunkIndex)
	if !ok {
		e.log.Warn().
			Str("messageId", req.MessageID).
			Uint32("channelIndex", req.ChannelIndex).
			Uint32("chunkIndex", req.ChunkIndex).
			Msg("resend request out of range")
		return
	}

	var ch Channel = e.control
	if !ot.plan.SingleChannel {
		ch = e.auxChannel(int(req.ChannelIndex))
	}
	if ch == nil || !ch.IsOpen() {
		e.log.Warn().Str("messageId", req.MessageID).Uint32("channelIndex", req.ChannelIndex).Msg("resend channel unavailable")
		return
	}

	payload, err := ot.source.readChunk(chunk)
	if err != nil {
		e.log.Warn().Err(err).Str("messageId", req.MessageID).Msg("read chunk for resend failed")
		return
	}
	frame := protocol.EncodeFrame(protocol.FrameHeader{Channel: chunk.Channel, Index: chunk.Index, Count: chunk.Count}, payload)
	if err := ch.Send(frame); err != nil {
		e.log.Warn().Err(err).Str("messageId", req.MessageID).Msg("resend chunk failed")
		return
	}
	e.log.Debug().
		Str("messageId", req.MessageID).
		Uint32("channelIndex", chunk.Channel).
		Uint32("chunkIndex", chunk.Index).
		Msg("resent chunk")
}

func (e *Engine) handleFileComplete(msg protocol.FileComplete) {
	e.outMu.Lock()
	ot, ok := e.outbound[msg.MessageID]
	delete(e.outbound, msg.MessageID)
	e.outMu.Unlock()
	if !ok {
		return
	}
	ot.release()

	p := models.TransferProgress{
		MessageID:  msg.MessageID,
		Filename:   ot.source.Name,
		Outgoing:   true,
		TotalBytes: ot.source.Size,
	}
	switch msg.Status {
	case protocol.StatusComplete:
		p.BytesTransferred = ot.source.Size
		p.Status = models.TransferComplete
		e.log.Info().Str("messageId", msg.MessageID).Msg("peer confirmed file")
	default:
		p.Status = models.TransferFailed
		p.Error = msg.Reason
		if p.Error == "" {
			p.Error = "peer reported failure"
		}
		e.log.Warn().Str("messageId", msg.MessageID).Str("reason", msg.Reason).Msg("peer rejected file")
	}
	e.emitProgress(p)
}

// releaseOutbound drops a retained transfer and reports whether it was held.
func (e *Engine) releaseOutbound(messageID string) bool {
	e.outMu.Lock()
	ot, ok := e.outbound[messageID]
	delete(e.outbound, messageID)
	e.outMu.Unlock()
	if ok {
		ot.release()
	}
	return ok
}
