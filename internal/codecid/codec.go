package codecid

import (
	"fmt"
	"math/bits"

	"github.com/zsiec/sesame/internal/wire"
)

// Identity is the tuple that determines whether a decoder must be
// reconfigured: two codec_data blocks describe the same stream iff their
// identities are equal.
type Identity struct {
	CodecType    wire.CodecType
	Width        uint16
	Height       uint16
	CodecProfile uint16
	CodecLevel   uint16
}

// IdentityFromCodecData extracts the identity tuple from a packet's codec
// description block. Returns false if cd is nil.
func IdentityFromCodecData(cd *wire.CodecData) (Identity, bool) {
	if cd == nil {
		return Identity{}, false
	}
	return Identity{
		CodecType:    cd.CodecType,
		Width:        cd.Width,
		Height:       cd.Height,
		CodecProfile: cd.CodecProfile,
		CodecLevel:   cd.CodecLevel,
	}, true
}

// CodecDataChanged reports whether the decoder must be reconfigured: true
// iff exactly one of cur/next is present, or both are present with
// differing identities.
func CodecDataChanged(cur, next *Identity) bool {
	if (cur == nil) != (next == nil) {
		return true
	}
	if cur == nil {
		return false
	}
	return *cur != *next
}

// avcDefaultProfile, avcDefaultConstraint, and avcDefaultLevel are used to
// fill in an avc1.PPCCLL codec string when a packet's codec block carries
// zero profile/level (the common case when only resolution is known ahead
// of the first SPS).
const (
	avcDefaultProfile    = 0x42
	avcDefaultConstraint = 0x00
	avcDefaultLevel      = 0x1f
)

// GetCodecString maps a codec description to the decoder configuration
// string for its codec_type, or returns false for an unrecognized type.
func GetCodecString(cd *wire.CodecData) (string, bool) {
	if cd == nil {
		return "", false
	}

	switch cd.CodecType {
	case wire.CodecAVC:
		profile := cd.CodecProfile
		if profile == 0 {
			profile = avcDefaultProfile
		}
		level := cd.CodecLevel
		if level == 0 {
			level = avcDefaultLevel
		}
		return fmt.Sprintf("avc1.%02x%02x%02x", profile, avcDefaultConstraint, level), true
	case wire.CodecHEVC:
		profile := cd.CodecProfile
		if profile == 0 {
			profile = 1
		}
		level := cd.CodecLevel
		if level == 0 {
			level = 93
		}
		return fmt.Sprintf("hev1.%d.6.L%d.B0", profile, level), true
	case wire.CodecVP8:
		return "vp8", true
	case wire.CodecVP9:
		return "vp09.00.10.08", true
	case wire.CodecAV1:
		return "av01.0.00M.08", true
	case wire.CodecOpus:
		return "opus", true
	case wire.CodecAAC:
		return "mp4a.40.2", true
	case wire.CodecPCM:
		return "pcm", true
	default:
		return "", false
	}
}

// Timebase is a rational number scaling a packet's pts into seconds. Den
// must be greater than zero.
type Timebase struct {
	Num uint32
	Den uint32
}

// Microsecond is the (1, 1_000_000) timebase used throughout the core for
// all post-decode, post-scheduling timestamps.
var Microsecond = Timebase{Num: 1, Den: 1_000_000}

// RescaleTime converts pts from the src timebase to the dst timebase:
// pts * (src.Num*dst.Den) / (src.Den*dst.Num), computed with a 128-bit
// intermediate product so 64-bit pts values never overflow before the
// final division.
func RescaleTime(pts uint64, src, dst Timebase) uint64 {
	if pts == 0 {
		return 0
	}
	if src == dst {
		return pts
	}

	num := uint64(src.Num) * uint64(dst.Den)
	den := uint64(src.Den) * uint64(dst.Num)
	if den == 0 {
		return 0
	}

	hi, lo := bits.Mul64(pts, num)
	if hi >= den {
		// The quotient would overflow 64 bits; this only happens for
		// timebase ratios and pts magnitudes far outside any real media
		// stream. Saturate rather than panic.
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, den)
	return q
}
