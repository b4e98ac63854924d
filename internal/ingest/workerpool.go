package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/google/uuid"

	"github.com/jmylchreest/tvarr-hlsingest/internal/httpclient"
)

// Worker counts and task-channel receive timeout, held fixed at the
// values the original pipeline used.
const (
	NumPlaylistWorkers = 4
	NumDownloadWorkers = 8
	NumDemuxWorkers    = 2

	receiveTimeout = 200 * time.Millisecond

	taskChannelBuffer = 512
)

// WorkerPool runs the four channel-connected pipeline stages: playlist
// refresh, segment download, MPEG-TS demux, and the ready-segment
// handoff to the controller. Every stage checks a task's SourcesHash
// against the pool's current epoch before doing any work, so segments
// from a source list that has since been replaced are silently
// dropped rather than committed.
type WorkerPool struct {
	logger     *slog.Logger
	client     *httpclient.Client
	urlPool    *URLPool
	mediaCache *MediaCache
	store      *SegmentStore

	sourcesHash atomic.Uint32

	sourceCh chan SourceTask
	mediaCh  chan MediaTask
	demuxCh  chan DemuxTask
	readyCh  chan ReadyPayload

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates and starts the pipeline's fixed worker
// population, wired against the given shared collaborators.
func NewWorkerPool(logger *slog.Logger, client *httpclient.Client, urlPool *URLPool, mediaCache *MediaCache, store *SegmentStore) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		logger:     logger,
		client:     client,
		urlPool:    urlPool,
		mediaCache: mediaCache,
		store:      store,
		sourceCh:   make(chan SourceTask, taskChannelBuffer),
		mediaCh:    make(chan MediaTask, taskChannelBuffer),
		demuxCh:    make(chan DemuxTask, taskChannelBuffer),
		readyCh:    make(chan ReadyPayload, taskChannelBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < NumPlaylistWorkers; i++ {
		p.wg.Add(1)
		go p.playlistWorker(i)
	}
	for i := 0; i < NumDownloadWorkers; i++ {
		p.wg.Add(1)
		go p.downloadWorker(i)
	}
	for i := 0; i < NumDemuxWorkers; i++ {
		p.wg.Add(1)
		go p.demuxWorker(i)
	}

	return p
}

// SetSourcesHash installs a new epoch token. Tasks in flight carrying
// the old token are discarded at their next stage boundary instead of
// being processed.
func (p *WorkerPool) SetSourcesHash(hash uint32) {
	p.sourcesHash.Store(hash)
}

func (p *WorkerPool) currentEpoch() uint32 {
	return p.sourcesHash.Load()
}

// Stop halts every worker goroutine and waits for them to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Flush drains every task channel without processing its contents,
// discarding in-flight work after a source list change. Go's garbage
// collector reclaims the discarded payloads' buffers; no destructor
// call is needed.
func (p *WorkerPool) Flush() {
	for {
		select {
		case <-p.sourceCh:
			continue
		default:
		}
		break
	}
	for {
		select {
		case <-p.mediaCh:
			continue
		default:
		}
		break
	}
	for {
		select {
		case <-p.demuxCh:
			continue
		default:
		}
		break
	}
	for {
		select {
		case <-p.readyCh:
			continue
		default:
		}
		break
	}
}

// SendSourceTask interns sourceURL and enqueues a playlist refresh for
// sourceIndex under the given epoch.
func (p *WorkerPool) SendSourceTask(sourceIndex int, sourcesHash uint32, sourceURL string) bool {
	hash, ok := p.urlPool.Insert(sourceURL)
	if !ok {
		p.logger.Error("failed to intern source URL", slog.String("url", sourceURL))
		return false
	}

	task := SourceTask{SourceIndex: sourceIndex, SourcesHash: sourcesHash, SourceURLHash: hash}
	select {
	case p.sourceCh <- task:
		return true
	default:
		p.logger.Warn("source task channel full, dropping refresh", slog.Int("source_index", sourceIndex))
		return false
	}
}

// ReceiveReady performs a non-blocking receive of the next ready
// segment notification.
func (p *WorkerPool) ReceiveReady() (ReadyPayload, bool) {
	select {
	case payload := <-p.readyCh:
		return payload, true
	default:
		return ReadyPayload{}, false
	}
}

// receiveWithTimeout blocks up to receiveTimeout for a value on ch,
// returning ok=false on timeout or pool shutdown.
func receiveWithTimeout[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var zero T
	timer := time.NewTimer(receiveTimeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

func (p *WorkerPool) playlistWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(slog.String("worker", "playlist"), slog.Int("worker_id", id))

	for {
		if p.ctx.Err() != nil {
			return
		}
		task, ok := receiveWithTimeout(p.ctx, p.sourceCh)
		if !ok {
			continue
		}
		if task.SourcesHash != p.currentEpoch() {
			continue
		}
		p.refreshPlaylist(log, task)
	}
}

func (p *WorkerPool) refreshPlaylist(log *slog.Logger, task SourceTask) {
	log = log.With(slog.String("task_id", uuid.NewString()))

	sourceURL, ok := p.urlPool.Get(task.SourceURLHash)
	if !ok {
		log.Error("source url not found in pool", slog.Uint64("hash", uint64(task.SourceURLHash)))
		return
	}

	resp, err := p.client.Get(p.ctx, sourceURL)
	if err != nil {
		log.Error("failed to fetch playlist", slog.String("url", sourceURL), slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read playlist body", slog.String("url", sourceURL), slog.String("error", err.Error()))
		return
	}

	parsed, err := playlist.Unmarshal(body)
	if err != nil {
		log.Error("failed to parse playlist", slog.String("url", sourceURL), slog.String("error", err.Error()))
		return
	}

	media, ok := parsed.(*playlist.Media)
	if !ok {
		log.Error("master playlists are not supported yet", slog.String("url", sourceURL))
		return
	}
	if len(media.Segments) == 0 {
		log.Warn("no media segments in playlist", slog.String("url", sourceURL))
		return
	}

	base, err := url.Parse(sourceURL)
	if err != nil {
		log.Error("failed to parse base url", slog.String("url", sourceURL), slog.String("error", err.Error()))
		return
	}

	refreshIntervalMs := media.Segments[0].Duration.Seconds()

	for i, seg := range media.Segments {
		if p.currentEpoch() != task.SourcesHash {
			return
		}

		ref, err := url.Parse(seg.URI)
		if err != nil {
			log.Warn("skipping segment with unparseable uri", slog.String("uri", seg.URI))
			continue
		}
		resolved := base.ResolveReference(ref).String()

		segmentID := uint32(media.MediaSequence) + uint32(i)

		urlHash, ok := p.urlPool.Insert(resolved)
		if !ok {
			log.Error("failed to intern segment url", slog.String("url", resolved))
			continue
		}

		if !p.store.Reserve(task.SourceIndex, segmentID) {
			continue
		}

		mediaTask := MediaTask{
			SegmentID:         segmentID,
			SourceIndex:       task.SourceIndex,
			Duration:          seg.Duration.Seconds(),
			RefreshIntervalMs: refreshIntervalMs,
			URLHash:           urlHash,
			SourcesHash:       task.SourcesHash,
		}
		select {
		case p.mediaCh <- mediaTask:
		default:
			log.Warn("media download channel full, dropping segment task", slog.Uint64("segment_id", uint64(segmentID)))
		}
	}
}

func (p *WorkerPool) downloadWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(slog.String("worker", "download"), slog.Int("worker_id", id))

	for {
		if p.ctx.Err() != nil {
			return
		}
		task, ok := receiveWithTimeout(p.ctx, p.mediaCh)
		if !ok {
			continue
		}
		if task.SourcesHash != p.currentEpoch() {
			continue
		}
		p.downloadSegment(log, task)
	}
}

func (p *WorkerPool) downloadSegment(log *slog.Logger, task MediaTask) {
	log = log.With(slog.String("task_id", uuid.NewString()))

	if data, ok := p.mediaCache.Query(task.URLHash); ok {
		demux := DemuxTask{
			SegmentID:         task.SegmentID,
			SourceIndex:       task.SourceIndex,
			Duration:          task.Duration,
			RefreshIntervalMs: task.RefreshIntervalMs,
			Data:              data,
			SourcesHash:       task.SourcesHash,
		}
		select {
		case p.demuxCh <- demux:
		default:
			log.Warn("demux channel full, dropping cached segment", slog.Uint64("segment_id", uint64(task.SegmentID)))
		}
		return
	}

	segmentURL, ok := p.urlPool.Get(task.URLHash)
	if !ok {
		log.Error("segment url not found in pool", slog.Uint64("hash", uint64(task.URLHash)))
		return
	}

	resp, err := p.client.Get(p.ctx, segmentURL)
	if err != nil {
		log.Error("failed to download segment", slog.String("url", segmentURL), slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read segment body", slog.String("url", segmentURL), slog.String("error", err.Error()))
		return
	}

	p.mediaCache.Insert(task.URLHash, data)

	demux := DemuxTask{
		SegmentID:         task.SegmentID,
		SourceIndex:       task.SourceIndex,
		Duration:          task.Duration,
		RefreshIntervalMs: task.RefreshIntervalMs,
		Data:              data,
		SourcesHash:       task.SourcesHash,
	}
	select {
	case p.demuxCh <- demux:
	default:
		log.Warn("demux channel full, dropping segment", slog.Uint64("segment_id", uint64(task.SegmentID)))
	}
}

func (p *WorkerPool) demuxWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(slog.String("worker", "demux"), slog.Int("worker_id", id))

	for {
		if p.ctx.Err() != nil {
			return
		}
		task, ok := receiveWithTimeout(p.ctx, p.demuxCh)
		if !ok {
			continue
		}
		if task.SourcesHash != p.currentEpoch() {
			continue
		}
		p.demuxSegment(log, task)
	}
}

func (p *WorkerPool) demuxSegment(log *slog.Logger, task DemuxTask) {
	log = log.With(slog.String("task_id", uuid.NewString()))

	annexB, err := demuxMPEGTSToAnnexB(task.Data)
	if err != nil {
		log.Error("failed to demux segment", slog.Uint64("segment_id", uint64(task.SegmentID)), slog.String("error", err.Error()))
		return
	}

	video, err := LoadFromBuffer(annexB, DefaultLoadParams())
	if err != nil {
		log.Error("failed to load h264 video", slog.Uint64("segment_id", uint64(task.SegmentID)), slog.String("error", err.Error()))
		return
	}

	ready := ReadyPayload{
		SegmentID:         task.SegmentID,
		SourceIndex:       task.SourceIndex,
		Duration:          task.Duration,
		RefreshIntervalMs: task.RefreshIntervalMs,
		Video:             video,
		SourcesHash:       task.SourcesHash,
	}
	select {
	case p.readyCh <- ready:
	default:
		log.Warn("ready channel full, dropping ready notification", slog.Uint64("segment_id", uint64(task.SegmentID)))
	}
}

// demuxMPEGTSToAnnexB demuxes a complete MPEG-TS segment buffer into a
// single Annex-B H.264 byte stream. It runs mediacommon's streaming
// reader over an io.Pipe that a goroutine feeds from the full in-memory
// buffer; the input is a one-shot, already-complete segment rather than
// a live connection.
func demuxMPEGTSToAnnexB(data []byte) ([]byte, error) {
	pr, pw := io.Pipe()
	reader := &mpegts.Reader{R: pr}

	var buf bytes.Buffer
	var readErr error
	foundVideo := false
	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := reader.Initialize(); err != nil {
			readErr = err
			return
		}

		for _, track := range reader.Tracks() {
			if _, ok := track.Codec.(*mpegts.CodecH264); ok {
				foundVideo = true
				reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
					marshaled, err := h264.AnnexB(au).Marshal()
					if err != nil {
						return err
					}
					buf.Write(marshaled)
					return nil
				})
			}
		}

		if !foundVideo {
			readErr = ErrUnsupportedCodec
			return
		}

		for {
			if err := reader.Read(); err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				return
			}
		}
	}()

	if _, err := pw.Write(data); err != nil {
		_ = pw.Close()
		<-done
		return nil, err
	}
	_ = pw.Close()
	<-done

	if readErr != nil {
		return nil, readErr
	}
	if buf.Len() == 0 {
		return nil, ErrUnsupportedCodec
	}
	return buf.Bytes(), nil
}
