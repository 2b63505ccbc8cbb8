// Package mediatypes defines the frame and chunk types that flow from the
// decoder harness through the scheduler to the live and file players. It
// plays the same connective role as the teacher's media package: a small,
// dependency-free set of structs shared by every stage of the pipeline.
package mediatypes

// ChunkKind distinguishes a keyframe-originated encoded chunk from a delta
// one, mirroring the wire packet's IS_KEYFRAME flag one layer up.
type ChunkKind int

const (
	ChunkDelta ChunkKind = iota
	ChunkKey
)

// EncodedChunk is handed to the decoder harness: a single access unit with
// its presentation time already rescaled to microseconds.
type EncodedChunk struct {
	Kind        ChunkKind
	TimestampUs int64
	DurationUs  int64
	Data        []byte
}

// DecodedFrame is the opaque output of a configured decoder. Ownership
// transfers to whoever receives it from on_frame/Dequeue; Release must be
// called exactly once when the frame is no longer displayed.
type DecodedFrame struct {
	TimestampUs int64
	Width       uint16
	Height      uint16

	// Release returns the frame's backing storage to the decoder or GPU
	// surface pool. Nil for frames that own no external resource (e.g. in
	// tests).
	Release func()
}

// Close is a convenience wrapper that calls Release if set. It is safe on a
// nil frame or a nil Release, and returns nothing, so it does not satisfy
// io.Closer.
func (f *DecodedFrame) Close() {
	if f == nil || f.Release == nil {
		return
	}
	f.Release()
}

// Sample is a file-player input unit: a demuxed access unit with timestamps
// already known in milliseconds (unlike EncodedChunk, which carries
// microseconds from the live wire path).
type Sample struct {
	TrackKind   TrackKind
	TimestampMs int64
	DurationMs  int64
	IsKeyframe  bool
	Data        []byte
}

// TrackKind identifies which decoder a sample or packet belongs to.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
	TrackData
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackData:
		return "data"
	default:
		return "unknown"
	}
}
