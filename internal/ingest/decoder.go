package ingest

import "log/slog"

// VideoDecoder advances one H264Video's chunk sequence a frame at a
// time, on the clock. The original implementation hands decoded
// frames to a Vulkan video-decode pipeline; that GPU collaborator is
// out of scope here, so the only implementation in this package logs
// each frame's slot bookkeeping instead of producing an image.
type VideoDecoder interface {
	DecodeNextFrame() (decoded bool, err error)
}

// logVideoDecoder is VideoDecoder's sole implementation: it exercises
// DecoderSlotPool's acquire/record/release/advance lifecycle exactly
// as a real decode pipeline would, without an actual decode target.
type logVideoDecoder struct {
	logger *slog.Logger
	video  *H264Video
	slots  *DecoderSlotPool

	chunk      *Chunk
	chunkIndex int
	chunkFrame int
}

// NewLogVideoDecoder creates a decoder driving video's chunk sequence
// against slots.
func NewLogVideoDecoder(logger *slog.Logger, video *H264Video, slots *DecoderSlotPool) VideoDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &logVideoDecoder{logger: logger, video: video, slots: slots}
}

// DecodeNextFrame decodes one frame of the current chunk, loading the
// next chunk from the underlying video when the current one is
// exhausted. decoded is false once the stream itself has no more
// chunks to offer.
func (d *logVideoDecoder) DecodeNextFrame() (bool, error) {
	if d.chunk == nil || d.chunkFrame >= d.chunk.FrameCount {
		if d.chunk != nil {
			d.slots.AdvanceChunk(d.chunk.FrameCount, float64(d.chunk.FrameCount)*d.video.FrameDurationSec)
		}

		chunk, eof, err := d.video.LoadChunk()
		if err != nil {
			return false, err
		}
		if eof {
			return false, nil
		}

		d.chunk = chunk
		d.chunkFrame = 0
		d.chunkIndex++
	}

	slotIndex, ok := d.slots.Acquire()
	if !ok {
		return false, ErrNoSlotAvailable
	}

	chunkTimestamp := d.slots.TimestampOffset()
	absoluteOrder := d.slots.DisplayOrderOffset() + d.chunkFrame
	timestampSec := chunkTimestamp + d.video.FrameDurationSec*float64(d.chunkFrame)

	d.slots.RecordFrame(slotIndex, timestampSec, d.chunkFrame, absoluteOrder)
	d.logger.Debug("decoded frame",
		slog.Int("chunk", d.chunkIndex),
		slog.Int("chunk_frame", d.chunkFrame),
		slog.Int("absolute_display_order", absoluteOrder),
		slog.Float64("timestamp_sec", timestampSec))
	d.slots.Release(slotIndex)

	d.chunkFrame++
	return true, nil
}

var _ VideoDecoder = (*logVideoDecoder)(nil)
