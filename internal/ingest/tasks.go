package ingest

// SourceTask asks a playlist worker to refresh one source's media
// playlist. SourcesHash is the epoch token computed over the current
// sources file; a task whose SourcesHash no longer matches the pool's
// current epoch is discarded at the next channel boundary instead of
// being processed.
type SourceTask struct {
	SourceIndex   int
	SourcesHash   uint32
	SourceURLHash uint32
}

// MediaTask asks a download worker to fetch one segment, already
// reserved in the segment store by the playlist worker that produced
// it.
type MediaTask struct {
	SegmentID         uint32
	SourceIndex       int
	Duration          float64
	RefreshIntervalMs float64
	URLHash           uint32
	SourcesHash       uint32
}

// DemuxTask asks a demux worker to parse one segment's MPEG-TS payload
// into an H264Video.
type DemuxTask struct {
	SegmentID         uint32
	SourceIndex       int
	Duration          float64
	RefreshIntervalMs float64
	Data              []byte
	SourcesHash       uint32
}

// ReadyPayload carries a fully parsed segment from the demux worker to
// the controller. The controller, not the demux worker, commits Video
// to the segment store; on a sources_hash mismatch the controller
// drops Video instead of committing it. RefreshIntervalMs rides along
// so the controller can learn the source's playlist refresh cadence
// without a separate channel back from the playlist worker.
type ReadyPayload struct {
	SegmentID         uint32
	SourceIndex       int
	Duration          float64
	RefreshIntervalMs float64
	Video             *H264Video
	SourcesHash       uint32
}
