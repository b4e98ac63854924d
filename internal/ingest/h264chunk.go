package ingest

import (
	"hash/fnv"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	maxSPSCount    = 32
	maxPPSCount    = 256
	nalScratchSize = 2 << 20

	spsHashSeed = 1223456789
	ppsHashSeed = 987654321
)

// LoadParams configures an H.264 load. FrameDataAlignment mirrors the
// GPU decode buffer alignment the original implementation queries from
// the video device; since that device is out of scope here it defaults
// to a conservative constant rather than a live query.
type LoadParams struct {
	BufferOffset       int64
	FrameDataAlignment int
}

// DefaultLoadParams returns the parameters used when a caller has no
// GPU alignment requirement to honor.
func DefaultLoadParams() LoadParams {
	return LoadParams{BufferOffset: 0, FrameDataAlignment: 256}
}

type spsEntry struct {
	raw  []byte
	info spsExtended
}

// Chunk is the sequence of NAL units between two IDR slices (or an IDR
// and end of stream). NALUnits holds raw bytes without start codes, in
// bitstream order; FrameCount is the number of slice NALs (IDR or
// non-IDR) the chunk contains.
type Chunk struct {
	NALUnits   [][]byte
	FrameCount int
}

// H264Video holds parsed SPS/PPS tables and derived geometry for one
// H.264 elementary stream, plus the chunk currently being assembled.
type H264Video struct {
	stream Stream
	params LoadParams

	sps    [maxSPSCount]*spsEntry
	pps    [maxPPSCount][]byte
	spsHash uint32
	ppsHash uint32

	Width             uint32
	Height            uint32
	PaddedWidth       uint32
	PaddedHeight      uint32
	NumDPBSlots       uint32
	Framerate         float64
	FrameDurationSec  float64

	current Chunk

	nalScratch []byte

	// Raw holds the bytes a LoadFromBuffer call was given, letting a
	// caller that owns several independently loaded videos (one per
	// segment, as the demux worker produces) fold the same bytes into
	// a second, continuous stream for playback. LoadFromStream leaves
	// this nil since its caller already owns the stream's contents.
	Raw []byte
}

// LoadFromBuffer wraps data in a fresh RingStream and loads from it.
func LoadFromBuffer(data []byte, params LoadParams) (*H264Video, error) {
	s := NewRingStream()
	if err := s.Append(data); err != nil {
		return nil, err
	}
	v, err := LoadFromStream(s, params)
	if err != nil {
		return nil, err
	}
	v.Raw = data
	return v, nil
}

// LoadFromStream wires video to stream and parses forward until at
// least one SPS and one PPS have been observed, then rewinds to the
// starting position.
func LoadFromStream(stream Stream, params LoadParams) (*H264Video, error) {
	if params.FrameDataAlignment == 0 {
		params = DefaultLoadParams()
	}

	if _, err := seekAbsolute(stream, params.BufferOffset); err != nil {
		return nil, err
	}

	v := &H264Video{
		stream:     stream,
		params:     params,
		nalScratch: make([]byte, 0, nalScratchSize),
	}

	start := stream.Tell()

	spsSeen, ppsSeen := false, false
	for !spsSeen || !ppsSeen {
		typ, sd, pd, err := v.parseNextNALUnit()
		if err != nil {
			if err == io.EOF {
				return nil, ErrSPSPPSMissing
			}
			return nil, err
		}
		_ = typ
		if sd {
			spsSeen = true
		}
		if pd {
			ppsSeen = true
		}
	}

	if err := stream.Seek(start, SeekSet); err != nil {
		return nil, err
	}

	return v, nil
}

func seekAbsolute(stream Stream, offset int64) (int64, error) {
	if err := stream.Seek(offset, SeekSet); err != nil {
		return 0, err
	}
	return stream.Tell(), nil
}

// addSPS stores sps under its parsed id, recomputes the SPS dirty
// hash, and returns whether the table's aggregate content changed.
func (v *H264Video) addSPS(rbsp []byte) (bool, error) {
	ext, ok := parseSPSExtended(rbsp)
	if !ok {
		return false, ErrSPSPPSMissing
	}

	var sps h264.SPS
	if err := sps.Unmarshal(rbsp); err != nil {
		return false, err
	}

	if int(ext.id) >= maxSPSCount {
		return false, nil
	}
	v.sps[ext.id] = &spsEntry{raw: append([]byte(nil), rbsp...), info: ext}

	h := fnv.New32a()
	hash := uint32(spsHashSeed)
	for _, entry := range v.sps {
		if entry == nil {
			continue
		}
		h.Reset()
		_, _ = h.Write(entry.raw)
		hash ^= h.Sum32()
	}
	changed := v.spsHash != hash
	v.spsHash = hash

	if changed {
		if err := v.spsUpdated(ext, sps.Width(), sps.Height()); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// spsUpdated applies the effect of a changed SPS, rejecting any change
// to geometry once it has been established.
func (v *H264Video) spsUpdated(ext spsExtended, width, height int) error {
	newWidth := uint32(width)
	newHeight := uint32(height)
	newPaddedWidth := ext.paddedWidth
	newPaddedHeight := ext.paddedHeight
	newNumDPBSlots := ext.maxNumRefFrames + 1
	if newNumDPBSlots < v.NumDPBSlots {
		newNumDPBSlots = v.NumDPBSlots
	}

	if ext.hasTiming {
		fps := float64(ext.timeScale) / float64(2*ext.numUnitsInTick)
		v.Framerate = fps
		v.FrameDurationSec = 1.0 / fps
	}

	if v.Width != 0 && v.Width != newWidth {
		return ErrParamsChanged
	}
	if v.Height != 0 && v.Height != newHeight {
		return ErrParamsChanged
	}
	if v.PaddedWidth != 0 && v.PaddedWidth != newPaddedWidth {
		return ErrParamsChanged
	}
	if v.PaddedHeight != 0 && v.PaddedHeight != newPaddedHeight {
		return ErrParamsChanged
	}
	if v.NumDPBSlots != 0 && v.NumDPBSlots != newNumDPBSlots {
		return ErrParamsChanged
	}

	v.Width = newWidth
	v.Height = newHeight
	v.PaddedWidth = newPaddedWidth
	v.PaddedHeight = newPaddedHeight
	v.NumDPBSlots = newNumDPBSlots
	return nil
}

// addPPS stores the PPS payload under its id after confirming the SPS
// it references is present.
func (v *H264Video) addPPS(rbsp []byte) error {
	ppsID, spsID, ok := parsePPSIDs(rbsp)
	if !ok || int(ppsID) >= maxPPSCount {
		return ErrSPSPPSMissing
	}
	if int(spsID) >= maxSPSCount || v.sps[spsID] == nil {
		return ErrSPSPPSMissing
	}

	v.pps[ppsID] = append([]byte(nil), rbsp...)

	h := fnv.New32a()
	hash := uint32(ppsHashSeed)
	for _, entry := range v.pps {
		if entry == nil {
			continue
		}
		h.Reset()
		_, _ = h.Write(entry)
		hash ^= h.Sum32()
	}
	v.ppsHash = hash
	return nil
}

// parseNextNALUnit consumes the next NAL unit from the stream and
// dispatches on its type. It reports whether the SPS/PPS tables
// changed as a result.
func (v *H264Video) parseNextNALUnit() (h264.NALUType, bool, bool, error) {
	raw, err := v.readOneNAL()
	if err != nil {
		return 0, false, false, err
	}
	if len(raw) == 0 {
		return 0, false, false, io.EOF
	}

	typ := h264.NALUType(raw[0] & 0x1F)
	rbsp := stripEmulationPrevention(raw[1:])

	spsDirty, ppsDirty := false, false
	switch typ {
	case h264.NALUTypeSPS:
		changed, err := v.addSPS(rbsp)
		if err != nil {
			return typ, false, false, err
		}
		spsDirty = changed
	case h264.NALUTypePPS:
		if err := v.addPPS(rbsp); err != nil {
			return typ, false, false, err
		}
		ppsDirty = true
	}

	return typ, spsDirty, ppsDirty, nil
}

// peekNextNALUnit inspects the upcoming NAL's type without advancing
// the stream's logical read position.
func (v *H264Video) peekNextNALUnit() (h264.NALUType, error) {
	cursor := v.stream.Tell()
	raw, err := v.readOneNAL()
	if serr := v.stream.Seek(cursor, SeekSet); serr != nil {
		return 0, serr
	}
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, io.EOF
	}
	return h264.NALUType(raw[0] & 0x1F), nil
}

// readOneNAL reads and returns the raw bytes (header byte + RBSP with
// emulation-prevention bytes intact) of one Annex-B NAL unit starting
// at the stream's current position, leaving the cursor positioned at
// the following start code. The returned bytes exclude the start code
// prefix.
func (v *H264Video) readOneNAL() ([]byte, error) {
	start := v.stream.Tell()

	if cap(v.nalScratch) < nalScratchSize {
		v.nalScratch = make([]byte, nalScratchSize)
	}
	scratch := v.nalScratch[:nalScratchSize]
	n, readErr := v.stream.Read(scratch)
	scratch = scratch[:n]

	if n == 0 {
		return nil, io.EOF
	}

	scOffset, scLen := findStartCode(scratch, 0)
	if scOffset < 0 {
		return nil, io.EOF
	}
	bodyStart := scOffset + scLen

	nextOffset, _ := findStartCode(scratch, bodyStart)
	var nalEnd int
	if nextOffset >= 0 {
		nalEnd = nextOffset
	} else {
		nalEnd = n
	}

	result := append([]byte(nil), scratch[bodyStart:nalEnd]...)
	if err := v.stream.Seek(start+int64(nalEnd), SeekSet); err != nil {
		return nil, err
	}
	if nextOffset < 0 && readErr != nil && readErr != io.EOF {
		return nil, readErr
	}
	return result, nil
}

// findStartCode locates the next 00 00 01 or 00 00 00 01 sequence at
// or after from, returning its offset and length (3 or 4), or -1 if
// none is present.
func findStartCode(buf []byte, from int) (int, int) {
	for i := from; i+2 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			if i > from && buf[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}

// stripEmulationPrevention removes the 0x03 emulation-prevention byte
// following any 00 00 sequence within a NAL payload.
func stripEmulationPrevention(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeroRun := 0
	for _, b := range nal {
		if zeroRun >= 2 && b == 3 {
			zeroRun = 0
			continue
		}
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
		out = append(out, b)
	}
	return out
}

// LoadChunk assembles the next IDR-bounded chunk: NAL units starting
// wherever the previous chunk left off, up to (but not including) the
// second IDR slice encountered, which becomes the first NAL of the
// next chunk.
func (v *H264Video) LoadChunk() (*Chunk, bool, error) {
	v.current = Chunk{}

	idrEncountered := false
	for {
		peeked, err := v.peekNextNALUnit()
		if err != nil {
			if err == io.EOF {
				return &v.current, len(v.current.NALUnits) == 0, nil
			}
			return nil, false, err
		}

		if peeked == h264.NALUTypeIDR {
			if idrEncountered {
				break
			}
			idrEncountered = true
		}

		raw, err := v.readOneNAL()
		if err != nil {
			return nil, false, err
		}

		typ := h264.NALUType(raw[0] & 0x1F)
		rbsp := stripEmulationPrevention(raw[1:])
		switch typ {
		case h264.NALUTypeSPS:
			if _, err := v.addSPS(rbsp); err != nil {
				return nil, false, err
			}
		case h264.NALUTypePPS:
			if err := v.addPPS(rbsp); err != nil {
				return nil, false, err
			}
		case h264.NALUTypeIDR, h264.NALUTypeNonIDR:
			v.current.FrameCount++
		}

		v.current.NALUnits = append(v.current.NALUnits, raw)
	}

	return &v.current, false, nil
}
