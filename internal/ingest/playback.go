package ingest

import (
	"log/slog"
	"sync"
	"time"
)

// PlaybackContext is one source's decode state: the continuous C4
// stream its segments are appended to, the C5 video parsed from it,
// a VideoDecoder ticking frames out of that video on the clock, and
// an AudioStreamingPlayer servicing queued audio chunks. One context
// exists per active source in the controller.
type PlaybackContext struct {
	mu     sync.Mutex
	logger *slog.Logger

	stream  Stream
	video   *H264Video
	decoder VideoDecoder
	audio   AudioStreamingPlayer
	slots   *DecoderSlotPool

	initialized      bool
	currentSegmentID uint32
	lastFrameAt      time.Time
}

// NewPlaybackContext creates an uninitialized context; AddSegment
// performs the real setup on its first call, mirroring the original's
// lazy init keyed off the first segment's bytes.
func NewPlaybackContext(logger *slog.Logger) *PlaybackContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackContext{logger: logger}
}

// Initialized reports whether the first segment has been added.
func (c *PlaybackContext) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// CurrentSegmentID reports the most recently added segment's id.
func (c *PlaybackContext) CurrentSegmentID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSegmentID
}

// AddSegment feeds one ready segment's parsed video into the context.
// The first call builds the continuous stream, decoder, and audio
// player from scratch; every later call appends the segment's raw
// bytes to the same stream (so the decoder's chunk sequence continues
// unbroken) and queues its audio.
func (c *PlaybackContext) AddSegment(segmentID uint32, video *H264Video, audioData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.stream = NewRingStream()
		if err := c.stream.Append(video.Raw); err != nil {
			return err
		}

		streamVideo, err := LoadFromStream(c.stream, DefaultLoadParams())
		if err != nil {
			return err
		}

		c.video = streamVideo
		c.slots = NewDecoderSlotPool()
		c.decoder = NewLogVideoDecoder(c.logger, streamVideo, c.slots)
		c.audio = NewLogAudioStreamingPlayer(c.logger)
		c.initialized = true
		c.currentSegmentID = segmentID

		c.logger.Info("playback context initialized", slog.Uint64("segment_id", uint64(segmentID)))
		return nil
	}

	// The video-side incremental append keeps the decode stream
	// continuous; chunk consumption itself happens on the update tick,
	// not here.
	if err := c.stream.Append(video.Raw); err != nil {
		return err
	}

	if len(audioData) > 0 {
		if err := c.audio.AddChunk(audioData); err != nil {
			return err
		}
	}

	c.currentSegmentID = segmentID
	c.logger.Debug("segment appended to playback context", slog.Uint64("segment_id", uint64(segmentID)))
	return nil
}

// FrameBudget reports the wall-clock duration of one frame for the
// context's current video, or zero before the context is initialized
// (meaning Update should tick unconditionally).
func (c *PlaybackContext) FrameBudget() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.video.FrameDurationSec <= 0 {
		return 0
	}
	return time.Duration(c.video.FrameDurationSec * float64(time.Second))
}

// Update advances the audio player and, once the wall-clock budget
// for one frame has elapsed, ticks the video decoder forward by one
// frame.
func (c *PlaybackContext) Update(frameBudget time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}

	if err := c.audio.Update(); err != nil {
		return err
	}

	if frameBudget > 0 && time.Since(c.lastFrameAt) < frameBudget {
		return nil
	}

	decoded, err := c.decoder.DecodeNextFrame()
	if err != nil {
		return err
	}
	if decoded {
		c.lastFrameAt = time.Now()
	}
	return nil
}
