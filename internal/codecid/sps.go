package codecid

import (
	"errors"
	"fmt"
)

// AVCSPSInfo holds the resolution and profile/level identifiers extracted
// from an H.264 Sequence Parameter Set. Decoders configured directly from
// an incoming keyframe's SPS (rather than from the wire codec_data block)
// use this to recover the fields codec_data may have left zeroed.
type AVCSPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the avc1.PPCCLL decoder configuration string for
// this SPS.
func (s AVCSPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// HEVCSPSInfo holds the resolution and profile/tier/level identifiers
// extracted from an HEVC Sequence Parameter Set.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte
}

// CodecString returns an hev1.P.C.TL decoder configuration string for this
// SPS, matching RFC 6381 §3.4's HEVC profile/tier/level encoding.
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	return fmt.Sprintf("hev1.%d.6.%s%d.B0", s.ProfileIDC, tier, s.LevelIDC)
}

var errSPSTooShort = errors.New("codecid: SPS data too short")

// bitReader reads an Exp-Golomb-coded RBSP bit by bit.
type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

// readUE reads an unsigned Exp-Golomb value.
func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

// removeEmulationPrevention strips 0x03 emulation-prevention bytes from
// an Annex B NAL payload, yielding the raw RBSP.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

var avcHighProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseAVCSPS parses an H.264 SPS NAL unit, including its NAL header byte,
// to extract resolution and profile/level identifiers.
func ParseAVCSPS(nalu []byte) (AVCSPSInfo, error) {
	if len(nalu) < 4 {
		return AVCSPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return AVCSPSInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return AVCSPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return AVCSPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return AVCSPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	if avcHighProfiles[profileIdc] {
		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return AVCSPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
				return AVCSPSInfo{}, err
			}
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return AVCSPSInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return AVCSPSInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return AVCSPSInfo{}, err
		}
		scalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return AVCSPSInfo{}, err
		}
		if scalingMatrixPresent == 1 {
			if err := skipScalingLists(br, chromaFormatIdc); err != nil {
				return AVCSPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return AVCSPSInfo{}, err
	}
	picOrderCntType, err := br.readUE()
	if err != nil {
		return AVCSPSInfo{}, err
	}
	if err := skipPicOrderCnt(br, picOrderCntType); err != nil {
		return AVCSPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return AVCSPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return AVCSPSInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return AVCSPSInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return AVCSPSInfo{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return AVCSPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return AVCSPSInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return AVCSPSInfo{}, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	frameCropping, err := br.readBits(1)
	if err != nil {
		return AVCSPSInfo{}, err
	}
	if frameCropping == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return AVCSPSInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return AVCSPSInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return AVCSPSInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return AVCSPSInfo{}, err
		}
	}

	subWidthC, subHeightC := chromaSampling(chromaFormatIdc)
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	width := int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	height := int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))

	return AVCSPSInfo{
		Width:           width,
		Height:          height,
		ProfileIDC:      byte(profileIdc),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIdc),
	}, nil
}

func chromaSampling(chromaFormatIdc uint) (uint, uint) {
	switch chromaFormatIdc {
	case 0, 3:
		return 1, 1
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	default:
		return 2, 2
	}
}

func skipPicOrderCnt(br *bitReader, picOrderCntType uint) error {
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return err
		}
	case 1:
		if _, err := br.readBits(1); err != nil { // delta_pic_order_always_zero_flag
			return err
		}
		if _, err := br.readSE(); err != nil { // offset_for_non_ref_pic
			return err
		}
		if _, err := br.readSE(); err != nil { // offset_for_top_to_bottom_field
			return err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func skipScalingLists(br *bitReader, chromaFormatIdc uint) error {
	limit := 8
	if chromaFormatIdc == 3 {
		limit = 12
	}
	for i := 0; i < limit; i++ {
		flag, err := br.readBits(1)
		if err != nil {
			return err
		}
		if flag != 1 {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		lastScale, nextScale := 8, 8
		for j := 0; j < size; j++ {
			if nextScale != 0 {
				delta, err := br.readSE()
				if err != nil {
					return err
				}
				nextScale = (lastScale + delta + 256) % 256
			}
			if nextScale != 0 {
				lastScale = nextScale
			}
		}
	}
	return nil
}

// ParseHEVCSPS parses an HEVC SPS NAL unit, including its 2-byte NAL
// header, to extract resolution and profile/tier/level identifiers.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	info := HEVCSPSInfo{}
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	confWindowFlag, err := br.readBits(1)
	if err != nil {
		return info, nil
	}
	if confWindowFlag == 1 {
		left, errL := br.readUE()
		right, errR := br.readUE()
		top, errT := br.readUE()
		bottom, errB := br.readUE()
		if errL != nil || errR != nil || errT != nil || errB != nil {
			return info, nil
		}
		subWidthC, subHeightC := chromaSampling(chromaFormatIdc)
		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}
	tierFlag, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tierFlag)

	profileIdc, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIdc)

	if _, err := br.readBits(32); err != nil { // general_profile_compatibility_flags
		return err
	}
	if _, err := br.readBits(48); err != nil { // general_constraint_indicator_flags
		return err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIdc)

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	subLayerProfilePresent := make([]bool, maxSubLayersMinus1)
	subLayerLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		p, err := br.readBits(1)
		if err != nil {
			return err
		}
		l, err := br.readBits(1)
		if err != nil {
			return err
		}
		subLayerProfilePresent[i] = p == 1
		subLayerLevelPresent[i] = l == 1
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := br.readBits(2); err != nil { // reserved_zero_2bits
				return err
			}
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if subLayerProfilePresent[i] {
			if _, err := br.readBits(88); err != nil {
				return err
			}
		}
		if subLayerLevelPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}
