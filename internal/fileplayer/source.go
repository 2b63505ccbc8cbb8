package fileplayer

import (
	"context"

	"github.com/zsiec/sesame/internal/mediatypes"
)

// CodecDescription is what a Source reports after Load: enough information
// to configure the video (and, if present, audio) decoder and to display a
// duration/seek bar.
type CodecDescription struct {
	VideoCodec string
	AudioCodec string
	Width      uint16
	Height     uint16
	HasAudio   bool
	DurationMs int64
}

// Source is the external collaborator a local container demuxer satisfies
// (spec.md §1's "container demuxer" non-goal): an object yielding a codec
// description plus a per-track stream of samples. internal/container ships
// a conformance test double over MPEG-TS; a real implementation (MP4/fMP4)
// is out of scope.
type Source interface {
	// Load opens location (a local path or "file://" URL) and demuxes
	// enough of it to report a CodecDescription. It may be called again
	// after Dispose to reuse the Source for a different location.
	Load(ctx context.Context, location string) (CodecDescription, error)

	// NextSample returns the next sample for the given track in
	// presentation order, or ok=false once that track is exhausted.
	NextSample(kind mediatypes.TrackKind) (sample mediatypes.Sample, ok bool, err error)

	// SeekToKeyframe repositions both tracks so the next video
	// NextSample call returns the keyframe at or before targetMs, and
	// returns that keyframe's actual timestamp.
	SeekToKeyframe(ctx context.Context, targetMs int64) (actualMs int64, err error)

	// Dispose releases any resources the Source holds (open files, etc).
	Dispose() error
}
