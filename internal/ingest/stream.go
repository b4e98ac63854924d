package ingest

// SeekWhence selects the reference point for Stream.Seek, mirroring
// the donor's io.SeekStart/Current/End constants but kept local so C5
// depends only on this narrow interface, not on an io.Seeker assuming
// a fixed underlying file.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// Stream is the external byte-stream contract the H.264 chunk loader
// (C5) is built against. RingStream (C4) is the only implementation in
// this module; the interface exists so C5 never depends on RingStream
// concretely, matching the capability-set pattern used throughout the
// original decoder for swappable stream backends.
type Stream interface {
	Read(dst []byte) (n int, err error)
	Append(data []byte) error
	Seek(offset int64, whence SeekWhence) error
	Tell() int64
	Flush()
}
