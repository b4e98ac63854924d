package ingest

import "log/slog"

// AudioStreamingPlayerBuffers is the fixed buffer count the original
// streaming audio player is initialized with.
const AudioStreamingPlayerBuffers = 4

// AudioStreamingPlayer receives AAC chunks as segments arrive and
// services its internal buffers on each update tick. The original
// implementation plays the decoded audio through the platform audio
// device; that device is out of scope here, so the only
// implementation in this package logs chunk arrival and tick activity
// instead of producing sound.
type AudioStreamingPlayer interface {
	AddChunk(data []byte) error
	Update() error
}

type logAudioStreamingPlayer struct {
	logger      *slog.Logger
	bufferCount int
	queued      int
}

// NewLogAudioStreamingPlayer creates a player with
// AudioStreamingPlayerBuffers buffers.
func NewLogAudioStreamingPlayer(logger *slog.Logger) AudioStreamingPlayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &logAudioStreamingPlayer{logger: logger, bufferCount: AudioStreamingPlayerBuffers}
}

func (a *logAudioStreamingPlayer) AddChunk(data []byte) error {
	a.queued++
	a.logger.Debug("queued audio chunk", slog.Int("bytes", len(data)), slog.Int("queued", a.queued))
	return nil
}

func (a *logAudioStreamingPlayer) Update() error {
	if a.queued > 0 {
		a.queued--
	}
	return nil
}

var _ AudioStreamingPlayer = (*logAudioStreamingPlayer)(nil)
