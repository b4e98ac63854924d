package ingest

// PoolStats reports cumulative hit/miss counters and a third counter
// for one of the controller's shared caches (C1 or C2), for periodic
// logging and the introspection API. For the URL pool (C1) Evictions
// counts evictions; the media cache (C2) does not count evictions, and
// its Evictions field carries the media cache's insert count.
type PoolStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// SourceStats reports one source's runtime state alongside its ring's
// retained-segment watermark.
type SourceStats struct {
	Index     int         `json:"index"`
	URL       string      `json:"url"`
	State     SourceState `json:"state"`
	Watermark uint32      `json:"watermark"`
}

// Snapshot is the controller's full introspectable state: shared cache
// statistics plus a per-source breakdown. Intended for internal/api
// and internal/scheduler's periodic stats log, never consulted by the
// pipeline itself.
type Snapshot struct {
	SourcesHash uint32        `json:"sources_hash"`
	URLPool     PoolStats     `json:"url_pool"`
	MediaCache  PoolStats     `json:"media_cache"`
	Sources     []SourceStats `json:"sources"`
}

// Stats builds a point-in-time Snapshot of the controller's shared
// caches and source runtimes.
func (c *Controller) Stats() Snapshot {
	urlHits, urlMisses, urlEvictions := c.urlPool.Stats()
	cacheHits, cacheMisses, cacheInserts := c.mediaCache.Stats()

	c.mu.Lock()
	count := c.sourceCount
	hash := c.sourcesHash
	sources := make([]SourceStats, count)
	for i := 0; i < count; i++ {
		s := &c.sources[i]
		sources[i] = SourceStats{Index: i, URL: s.url, State: s.state, Watermark: c.store.Watermark(i)}
	}
	c.mu.Unlock()

	return Snapshot{
		SourcesHash: hash,
		URLPool:     PoolStats{Hits: urlHits, Misses: urlMisses, Evictions: urlEvictions},
		MediaCache:  PoolStats{Hits: cacheHits, Misses: cacheMisses, Evictions: cacheInserts},
		Sources:     sources,
	}
}
