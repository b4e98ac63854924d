package ingest

// bitReader walks an RBSP byte slice bit by bit. It backs the small
// slice of SPS/PPS syntax (parameter-set ids, VUI timing info, padded
// geometry) that mediacommon's h264.SPS exposes no accessor for — the
// donor uses h264.SPS.Width()/Height() for display geometry (see
// h264chunk.go); this reader fills the remaining gap directly per
// ITU-T H.264 §7.3.2.1.1.
type bitReader struct {
	data []byte
	pos  int // bit offset
}

func newBitReader(rbsp []byte) *bitReader {
	return &bitReader{data: rbsp}
}

func (r *bitReader) bitsLeft() int {
	return len(r.data)*8 - r.pos
}

func (r *bitReader) bit() uint32 {
	if r.bitsLeft() <= 0 {
		return 0
	}
	byteIdx := r.pos / 8
	bitIdx := 7 - uint(r.pos%8)
	r.pos++
	return uint32(r.data[byteIdx]>>bitIdx) & 1
}

func (r *bitReader) bits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = (v << 1) | r.bit()
	}
	return v
}

// ue reads an Exp-Golomb unsigned value.
func (r *bitReader) ue() uint32 {
	leadingZeros := 0
	for r.bitsLeft() > 0 && r.bit() == 0 {
		leadingZeros++
		if leadingZeros > 32 {
			return 0
		}
	}
	if leadingZeros == 0 {
		return 0
	}
	return (1 << uint(leadingZeros)) - 1 + r.bits(leadingZeros)
}

// se reads an Exp-Golomb signed value.
func (r *bitReader) se() int32 {
	code := r.ue()
	if code%2 == 0 {
		return -int32(code / 2)
	}
	return int32(code+1) / 2
}

// skipScalingList consumes a scaling-list syntax element without
// retaining its values; only the bit-consumption matters here.
func skipScalingList(r *bitReader, size int) {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta := r.se()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

var chromaFormatProfiles = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// spsExtended carries the SPS fields mediacommon's h264.SPS does not
// surface as accessors: the parameter-set id (needed to key the SPS
// table the same way the original implementation does), the
// macroblock-aligned padded geometry, the reference-frame count, and
// VUI timing info for framerate derivation.
type spsExtended struct {
	id              uint32
	paddedWidth     uint32
	paddedHeight    uint32
	maxNumRefFrames uint32
	numUnitsInTick  uint32
	timeScale       uint32
	hasTiming       bool
}

// parseSPSExtended walks an SPS RBSP per the syntax table, stopping
// once VUI timing info (or its absence) is known.
func parseSPSExtended(rbsp []byte) (spsExtended, bool) {
	if len(rbsp) < 4 {
		return spsExtended{}, false
	}
	r := newBitReader(rbsp)

	profileIdc := r.bits(8)
	r.bits(8) // constraint flags + reserved
	r.bits(8) // level_idc

	out := spsExtended{id: r.ue()}

	if chromaFormatProfiles[profileIdc] {
		chromaFormatIdc := r.ue()
		if chromaFormatIdc == 3 {
			r.bits(1) // separate_colour_plane_flag
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if r.bits(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(r, size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	picOrderCntType := r.ue()
	switch picOrderCntType {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.bits(1) // delta_pic_order_always_zero_flag
		r.se()    // offset_for_non_ref_pic
		r.se()    // offset_for_top_to_bottom_field
		n := r.ue()
		for i := uint32(0); i < n; i++ {
			r.se()
		}
	}

	out.maxNumRefFrames = r.ue()
	r.bits(1) // gaps_in_frame_num_value_allowed_flag
	picWidthInMbsMinus1 := r.ue()
	picHeightInMapUnitsMinus1 := r.ue()
	frameMbsOnlyFlag := r.bits(1)
	if frameMbsOnlyFlag == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag
	if r.bits(1) == 1 {
		r.ue()
		r.ue()
		r.ue()
		r.ue()
	}

	out.paddedWidth = (picWidthInMbsMinus1 + 1) * 16
	out.paddedHeight = (2 - frameMbsOnlyFlag) * (picHeightInMapUnitsMinus1 + 1) * 16

	if r.bits(1) == 1 { // vui_parameters_present_flag
		if r.bits(1) == 1 { // aspect_ratio_info_present_flag
			idc := r.bits(8)
			if idc == 255 {
				r.bits(16)
				r.bits(16)
			}
		}
		if r.bits(1) == 1 { // overscan_info_present_flag
			r.bits(1)
		}
		if r.bits(1) == 1 { // video_signal_type_present_flag
			r.bits(3)
			r.bits(1)
			if r.bits(1) == 1 { // colour_description_present_flag
				r.bits(8)
				r.bits(8)
				r.bits(8)
			}
		}
		if r.bits(1) == 1 { // chroma_loc_info_present_flag
			r.ue()
			r.ue()
		}
		if r.bits(1) == 1 { // timing_info_present_flag
			out.numUnitsInTick = r.bits(32)
			out.timeScale = r.bits(32)
			r.bits(1) // fixed_frame_rate_flag
			out.hasTiming = out.numUnitsInTick > 0 && out.timeScale > out.numUnitsInTick
		}
	}

	return out, true
}

// parsePPSIDs reads just the two leading Exp-Golomb fields of a PPS
// RBSP: its own id and the SPS id it refers to.
func parsePPSIDs(rbsp []byte) (ppsID, spsID uint32, ok bool) {
	if len(rbsp) == 0 {
		return 0, 0, false
	}
	r := newBitReader(rbsp)
	ppsID = r.ue()
	spsID = r.ue()
	return ppsID, spsID, true
}
