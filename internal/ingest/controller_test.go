package ingest

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvarr-hlsingest/internal/httpclient"
)

func newTestControllerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseSources(t *testing.T) {
	data := []byte(`
# comment line, skipped
https://example.com/a/playlist.m3u8

not a url, skipped
http://example.com/b/playlist.m3u8
https://example.com/c/playlist.m3u8
https://example.com/d/playlist.m3u8
https://example.com/e/playlist.m3u8
`)
	urls := ParseSources(data)
	assert.Len(t, urls, MaxSources)
	assert.Equal(t, "https://example.com/a/playlist.m3u8", urls[0])
	assert.Equal(t, "http://example.com/b/playlist.m3u8", urls[1])
	assert.Equal(t, "https://example.com/d/playlist.m3u8", urls[3])
}

func TestComputeSourcesHashStableAndOrderSensitive(t *testing.T) {
	a := []string{"https://x/1.m3u8", "https://x/2.m3u8"}
	b := []string{"https://x/2.m3u8", "https://x/1.m3u8"}

	assert.Equal(t, computeSourcesHash(a), computeSourcesHash(a))
	assert.NotEqual(t, computeSourcesHash(a), computeSourcesHash(b))
}

func TestControllerLoadSourcesResetsState(t *testing.T) {
	logger := newTestControllerLogger()
	client := httpclient.NewWithDefaults()
	c := NewController(logger, client)
	defer c.Stop()

	c.LoadSources([]byte("https://example.com/one.m3u8\nhttps://example.com/two.m3u8\n"))
	require.Equal(t, 2, c.SourceCount())

	url0, state0, ok := c.SourceSnapshot(0)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/one.m3u8", url0)
	assert.Equal(t, SourceFetching, state0)

	hashBefore := c.SourcesHash()

	c.LoadSources([]byte("https://example.com/only.m3u8\n"))
	require.Equal(t, 1, c.SourceCount())
	assert.NotEqual(t, hashBefore, c.SourcesHash())

	url0, _, ok = c.SourceSnapshot(0)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/only.m3u8", url0)

	_, _, ok = c.SourceSnapshot(1)
	assert.False(t, ok)
}

func TestControllerHandleReadyDropsStaleEpoch(t *testing.T) {
	logger := newTestControllerLogger()
	client := httpclient.NewWithDefaults()
	c := NewController(logger, client)
	defer c.Stop()

	c.LoadSources([]byte("https://example.com/one.m3u8\n"))
	require.True(t, c.store.Reserve(0, 5))

	stale := ReadyPayload{
		SegmentID:   5,
		SourceIndex: 0,
		Duration:    6,
		Video:       &H264Video{},
		SourcesHash: c.SourcesHash() + 1,
	}
	c.handleReady(stale)
	assert.False(t, c.store.HasSegment(0, 5))

	fresh := ReadyPayload{
		SegmentID:   5,
		SourceIndex: 0,
		Duration:    6,
		Video:       &H264Video{},
		SourcesHash: c.SourcesHash(),
	}
	c.handleReady(fresh)
	assert.True(t, c.store.HasSegment(0, 5))
}

func TestControllerNoteRefreshInterval(t *testing.T) {
	logger := newTestControllerLogger()
	client := httpclient.NewWithDefaults()
	c := NewController(logger, client)
	defer c.Stop()

	c.LoadSources([]byte("https://example.com/one.m3u8\n"))
	c.NoteRefreshInterval(0, 3*time.Second)

	c.mu.Lock()
	interval := c.sources[0].refreshInterval
	c.mu.Unlock()
	assert.Equal(t, 3*time.Second, interval)
}

func TestFindFirstVsFindNext(t *testing.T) {
	store := NewSegmentStore(1)
	require.True(t, store.Reserve(0, 3))
	require.True(t, store.Commit(0, 3, &H264Video{}, 6))
	require.True(t, store.Reserve(0, 7))
	require.True(t, store.Commit(0, 7, &H264Video{}, 6))

	first, ok := store.FindFirst(0)
	require.True(t, ok)
	assert.Equal(t, uint32(3), first)

	next, ok := store.FindNext(0, first)
	require.True(t, ok)
	assert.Equal(t, uint32(7), next)

	_, ok = store.FindFirst(0)
	assert.True(t, ok)
}
