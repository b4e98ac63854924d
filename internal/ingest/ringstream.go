package ingest

import (
	"fmt"
	"io"
	"sync"
)

// RingStreamInitialCapacity is the starting buffer size of a new
// RingStream, in bytes.
const RingStreamInitialCapacity = 64 * 1024

// ringStreamGrowthFactor is the multiplier applied when growing; the
// loop in growTo keeps multiplying by this factor until capacity is
// large enough, which (starting from a power-of-two capacity) always
// lands back on a power of two.
const ringStreamGrowthFactor = 2

// RingStream is a growable circular byte buffer implementing Stream.
// It backs the H.264 chunk loader (C5): appended bytes wrap around a
// power-of-two-sized buffer that, when full, is replaced by a buffer
// of at least double the size with the contents copied over, and reads
// advance a logical read cursor independent of the physical wrap
// point.
type RingStream struct {
	mu       sync.Mutex
	buffer   []byte
	capacity int
	writePos int
	readPos  int
	dataSize int
}

// NewRingStream creates an empty stream with RingStreamInitialCapacity
// capacity.
func NewRingStream() *RingStream {
	return &RingStream{
		buffer:   make([]byte, RingStreamInitialCapacity),
		capacity: RingStreamInitialCapacity,
	}
}

// growTo ensures capacity is at least required, doubling (preserving
// the power-of-two invariant) and linearizing existing contents into a
// freshly allocated buffer starting at offset 0.
func (s *RingStream) growTo(required int) {
	if required <= s.capacity {
		return
	}

	newCapacity := s.capacity
	for newCapacity < required {
		newCapacity *= ringStreamGrowthFactor
	}

	newBuffer := make([]byte, newCapacity)
	if s.dataSize > 0 {
		if s.readPos+s.dataSize <= s.capacity {
			copy(newBuffer, s.buffer[s.readPos:s.readPos+s.dataSize])
		} else {
			firstPart := s.capacity - s.readPos
			copy(newBuffer, s.buffer[s.readPos:s.capacity])
			copy(newBuffer[firstPart:], s.buffer[:s.dataSize-firstPart])
		}
	}

	s.buffer = newBuffer
	s.capacity = newCapacity
	s.readPos = 0
	s.writePos = s.dataSize
}

// Append writes data to the stream, growing the backing buffer first
// if it would not otherwise fit.
func (s *RingStream) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.growTo(s.dataSize + len(data))

	if s.writePos+len(data) <= s.capacity {
		copy(s.buffer[s.writePos:], data)
	} else {
		firstPart := s.capacity - s.writePos
		copy(s.buffer[s.writePos:], data[:firstPart])
		copy(s.buffer, data[firstPart:])
	}

	s.writePos = (s.writePos + len(data)) % s.capacity
	s.dataSize += len(data)
	return nil
}

// Read copies up to len(dst) bytes from the logical read cursor,
// advancing it and shrinking the readable region. It returns io.EOF
// only once no bytes remain and dst is non-empty.
func (s *RingStream) Read(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toRead := len(dst)
	if toRead > s.dataSize {
		toRead = s.dataSize
	}
	if toRead == 0 {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	if s.readPos+toRead <= s.capacity {
		copy(dst, s.buffer[s.readPos:s.readPos+toRead])
	} else {
		firstPart := s.capacity - s.readPos
		copy(dst, s.buffer[s.readPos:s.capacity])
		copy(dst[firstPart:], s.buffer[:toRead-firstPart])
	}

	s.readPos = (s.readPos + toRead) % s.capacity
	s.dataSize -= toRead
	return toRead, nil
}

// basePos is the physical offset of logical position 0 (the oldest
// unread byte), independent of where dataSize has shrunk the window.
func (s *RingStream) basePos() int {
	if s.writePos >= s.dataSize {
		return s.writePos - s.dataSize
	}
	return s.capacity - (s.dataSize - s.writePos)
}

// currentReadOffset is the logical position of the read cursor,
// relative to basePos.
func (s *RingStream) currentReadOffset() int {
	base := s.basePos()
	if s.readPos >= base {
		return s.readPos - base
	}
	return s.capacity - base + s.readPos
}

// Seek repositions the logical read cursor. The resolved offset must
// land within [0, dataSize]; anything else is an error and the cursor
// is left unchanged.
func (s *RingStream) Seek(offset int64, whence SeekWhence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.basePos()
	cur := s.currentReadOffset()

	var newPos int64
	switch whence {
	case SeekSet:
		newPos = offset
	case SeekCur:
		newPos = int64(cur) + offset
	case SeekEnd:
		newPos = int64(s.dataSize) + offset
	default:
		return fmt.Errorf("ingest: unknown seek whence %d", whence)
	}

	if newPos < 0 || newPos > int64(s.dataSize) {
		return fmt.Errorf("ingest: seek offset %d out of range [0,%d]", newPos, s.dataSize)
	}

	s.readPos = (base + int(newPos)) % s.capacity
	return nil
}

// Tell reports the logical read offset, in [0, dataSize].
func (s *RingStream) Tell() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.currentReadOffset())
}

// Flush is a no-op; RingStream has no buffered writer to drain.
func (s *RingStream) Flush() {}

// Len reports the number of unread bytes currently resident.
func (s *RingStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataSize
}

var _ Stream = (*RingStream)(nil)
