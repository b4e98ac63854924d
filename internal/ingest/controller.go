package ingest

import (
	"bufio"
	"bytes"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/tvarr-hlsingest/internal/httpclient"
)

// SourceState tracks one source's progress through the fetch/decode
// pipeline for logging and introspection. The worker pool does not
// report playlist-parsed and segments-enqueued as separate events back
// to the controller, so Reserving is folded into Fetching: a source
// moves straight from Fetching to Streaming on the first committed
// segment.
type SourceState int

const (
	SourceIdle SourceState = iota
	SourceFetching
	SourceStreaming
)

func (s SourceState) String() string {
	switch s {
	case SourceIdle:
		return "idle"
	case SourceFetching:
		return "fetching"
	case SourceStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// defaultRefreshInterval is used until a source's playlist has been
// fetched at least once and reported its own refresh interval.
const defaultRefreshInterval = 6 * time.Second

type sourceRuntime struct {
	url             string
	active          bool
	state           SourceState
	refreshInterval time.Duration
	lastRefreshedAt time.Time
}

// Controller is the scene-level owner of one complete ingestion
// pipeline: it loads a source list, drives C1-C6 to keep each source's
// segment ring filled, and feeds committed segments into each source's
// PlaybackContext. It is the only component that calls SegmentStore's
// Commit, so a sources_hash mismatch can be caught and the segment
// discarded before it ever reaches storage.
type Controller struct {
	logger *slog.Logger

	mu          sync.Mutex
	sources     [MaxSources]sourceRuntime
	sourceCount int
	sourcesHash uint32

	urlPool    *URLPool
	mediaCache *MediaCache
	store      *SegmentStore
	pool       *WorkerPool
	contexts   [MaxSources]*PlaybackContext
}

// NewController wires a fresh C1-C8 stack behind a zero-source
// controller; call LoadSources to populate it.
func NewController(logger *slog.Logger, client *httpclient.Client) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	urlPool := NewURLPool(0, 0)
	mediaCache := NewMediaCache()
	store := NewSegmentStore(MaxSources)
	pool := NewWorkerPool(logger, client, urlPool, mediaCache, store)

	c := &Controller{
		logger:     logger,
		urlPool:    urlPool,
		mediaCache: mediaCache,
		store:      store,
		pool:       pool,
	}
	for i := range c.contexts {
		c.contexts[i] = NewPlaybackContext(logger)
	}
	return c
}

// Stop tears down the worker pool's goroutines. The controller is not
// usable afterward.
func (c *Controller) Stop() {
	c.pool.Stop()
}

// isSourceURL reports whether line looks like an HTTP(S) playlist URL
// rather than blank space or a comment.
func isSourceURL(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}

// ParseSources extracts up to MaxSources playlist URLs from a
// newline-delimited sources file, skipping blank lines, comments, and
// anything that doesn't look like an HTTP(S) URL.
func ParseSources(data []byte) []string {
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !isSourceURL(line) {
			continue
		}
		urls = append(urls, line)
		if len(urls) >= MaxSources {
			break
		}
	}
	return urls
}

// computeSourcesHash derives a deterministic epoch token from the
// ordered URL list, so any edit to the source list (reorder, add,
// remove) is visible to in-flight work as a changed epoch.
func computeSourcesHash(urls []string) uint32 {
	h := fnv.New32a()
	for _, u := range urls {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// LoadSources replaces the controller's active source list. Every
// ring is fully purged and every playback context rebuilt from
// scratch, regardless of whether the new list is actually different
// from the old one, since detecting a no-op reload isn't worth the
// bookkeeping and a reload is expected to be rare (operator-driven
// config edits, not a per-frame event).
func (c *Controller) LoadSources(data []byte) {
	urls := ParseSources(data)
	newHash := computeSourcesHash(urls)

	c.pool.Flush()
	c.store.Clear()

	c.mu.Lock()
	for i := range c.sources {
		c.sources[i] = sourceRuntime{}
	}
	for i, u := range urls {
		c.sources[i] = sourceRuntime{
			url:             u,
			active:          true,
			state:           SourceIdle,
			refreshInterval: defaultRefreshInterval,
		}
	}
	c.sourceCount = len(urls)
	c.sourcesHash = newHash
	c.mu.Unlock()

	c.pool.SetSourcesHash(newHash)
	for i := range c.contexts {
		c.contexts[i] = NewPlaybackContext(c.logger)
	}

	for i := 0; i < len(urls); i++ {
		c.sendSourceTask(i)
	}
}

func (c *Controller) sendSourceTask(sourceIndex int) {
	c.mu.Lock()
	if sourceIndex >= c.sourceCount || !c.sources[sourceIndex].active {
		c.mu.Unlock()
		return
	}
	url := c.sources[sourceIndex].url
	hash := c.sourcesHash
	c.sources[sourceIndex].state = SourceFetching
	c.sources[sourceIndex].lastRefreshedAt = time.Now()
	c.mu.Unlock()

	c.pool.SendSourceTask(sourceIndex, hash, url)
}

// Tick runs one frame's worth of controller work: drain whatever the
// worker pool has finished, pull the next ready segment into each
// source's playback context, advance playback, and re-poll any source
// whose playlist refresh interval has elapsed.
func (c *Controller) Tick() {
	for {
		payload, ok := c.pool.ReceiveReady()
		if !ok {
			break
		}
		c.handleReady(payload)
	}

	c.mu.Lock()
	count := c.sourceCount
	c.mu.Unlock()

	for i := 0; i < count; i++ {
		c.feedPlayback(i)
	}
	for i := 0; i < count; i++ {
		ctx := c.contexts[i]
		if ctx == nil {
			continue
		}
		if err := ctx.Update(ctx.FrameBudget()); err != nil {
			c.logger.Warn("playback update failed", slog.Int("source", i), slog.Any("error", err))
		}
	}

	c.refreshDueSources()
}

// handleReady commits a demuxed segment into its source's ring, or
// discards it if the source list has since changed underneath it.
func (c *Controller) handleReady(payload ReadyPayload) {
	c.mu.Lock()
	currentHash := c.sourcesHash
	c.mu.Unlock()

	if payload.SourcesHash != currentHash {
		c.logger.Debug("discarding stale ready segment",
			slog.Int("source", payload.SourceIndex),
			slog.Uint64("segment_id", uint64(payload.SegmentID)))
		return
	}

	if !c.store.Commit(payload.SourceIndex, payload.SegmentID, payload.Video, payload.Duration) {
		c.logger.Debug("commit lost the race",
			slog.Int("source", payload.SourceIndex),
			slog.Uint64("segment_id", uint64(payload.SegmentID)))
		return
	}

	c.mu.Lock()
	if payload.SourceIndex < len(c.sources) {
		c.sources[payload.SourceIndex].state = SourceStreaming
	}
	c.mu.Unlock()

	if payload.RefreshIntervalMs > 0 {
		c.NoteRefreshInterval(payload.SourceIndex, time.Duration(payload.RefreshIntervalMs*float64(time.Second)))
	}
}

// feedPlayback pulls the next ready segment for one source, if any,
// and appends it to that source's playback context.
func (c *Controller) feedPlayback(sourceIndex int) {
	ctx := c.contexts[sourceIndex]
	if ctx == nil {
		return
	}

	var cursor uint32
	if ctx.Initialized() {
		cursor = ctx.CurrentSegmentID()
	}

	nextID, ok := c.findNextForContext(sourceIndex, cursor, ctx.Initialized())
	if !ok {
		return
	}

	video := c.store.Acquire(sourceIndex, nextID)
	if video == nil {
		return
	}

	if err := ctx.AddSegment(nextID, video, nil); err != nil {
		c.logger.Warn("failed to add segment to playback context",
			slog.Int("source", sourceIndex), slog.Uint64("segment_id", uint64(nextID)),
			slog.Any("error", err))
	}
}

// findNextForContext wraps SegmentStore.FindNext to also cover the
// not-yet-initialized case, where there is no current segment id to
// search strictly past: any ready segment at all is a valid first pick.
func (c *Controller) findNextForContext(sourceIndex int, cursor uint32, initialized bool) (uint32, bool) {
	if initialized {
		return c.store.FindNext(sourceIndex, cursor)
	}
	return c.store.FindFirst(sourceIndex)
}

// refreshDueSources re-polls each streaming source whose playlist
// refresh interval has elapsed since its last fetch.
func (c *Controller) refreshDueSources() {
	c.mu.Lock()
	type due struct {
		index int
	}
	var toSend []due
	now := time.Now()
	for i := 0; i < c.sourceCount; i++ {
		s := &c.sources[i]
		if !s.active {
			continue
		}
		if s.state == SourceFetching {
			continue
		}
		if now.Sub(s.lastRefreshedAt) >= s.refreshInterval {
			toSend = append(toSend, due{index: i})
		}
	}
	c.mu.Unlock()

	for _, d := range toSend {
		c.sendSourceTask(d.index)
	}
}

// NoteRefreshInterval lets a playlist worker's observed refresh
// interval feed back into the controller's re-poll schedule. Called
// from handleReady during Tick when a ready segment carries a refresh
// interval.
func (c *Controller) NoteRefreshInterval(sourceIndex int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sourceIndex < 0 || sourceIndex >= len(c.sources) {
		return
	}
	c.sources[sourceIndex].refreshInterval = interval
}

// SourcesHash reports the controller's current epoch token.
func (c *Controller) SourcesHash() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourcesHash
}

// SourceCount reports how many sources are currently active.
func (c *Controller) SourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceCount
}

// SourceSnapshot reports one source's runtime state for introspection.
func (c *Controller) SourceSnapshot(sourceIndex int) (url string, state SourceState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sourceIndex < 0 || sourceIndex >= c.sourceCount {
		return "", SourceIdle, false
	}
	s := &c.sources[sourceIndex]
	return s.url, s.state, true
}
