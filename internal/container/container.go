// Package container adapts internal/mpegts into a fileplayer.Source. It is
// a conformance test double, not a production container parser: it demuxes
// an entire MPEG-TS stream eagerly into sorted per-track sample queues
// rather than feeding them incrementally, trading real streaming behavior
// for a simple, fully seekable in-memory model that is exact enough to
// drive the file player's real load/seek/loop/feed logic in tests.
package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/zsiec/sesame/internal/codecid"
	"github.com/zsiec/sesame/internal/fileplayer"
	"github.com/zsiec/sesame/internal/mediatypes"
	"github.com/zsiec/sesame/internal/mpegts"
)

// PMT stream_type values this demuxer recognizes (ISO/IEC 13818-1 Table 2-34).
const (
	streamTypeH264 = 0x1B
	streamTypeHEVC = 0x24
	streamTypeAAC  = 0x0F
)

const defaultFrameDurationMs = 33

// ErrNoVideoTrack is returned by Load when the stream's PMT carries no
// elementary stream this package knows how to decode.
var ErrNoVideoTrack = errors.New("container: no recognized video elementary stream")

// Opener returns a fresh, independently-closable reader positioned at the
// start of the container. Load calls it once; a Source built over a plain
// file path reopens the same file, which is all seek-to-keyframe needs
// since this package demuxes the whole stream up front.
type Opener func() (io.ReadCloser, error)

// FileOpener returns an Opener that opens path with os.Open.
func FileOpener(path string) Opener {
	return func() (io.ReadCloser, error) { return os.Open(path) }
}

// Source demuxes an MPEG-TS elementary stream pair into the sample shape
// fileplayer.Source requires.
type Source struct {
	open Opener

	mu       sync.Mutex
	video    []mediatypes.Sample
	audio    []mediatypes.Sample
	videoIdx int
	audioIdx int
}

// New constructs a Source. open is invoked once per Load call.
func New(open Opener) *Source {
	return &Source{open: open}
}

// Load satisfies fileplayer.Source. location is accepted for interface
// conformance and logging purposes only: the underlying Opener (bound at
// construction) decides what is actually read, matching the "file://" and
// bare-path forms spec.md §4.G's load_from_url|file names.
func (s *Source) Load(ctx context.Context, location string) (fileplayer.CodecDescription, error) {
	location = strings.TrimPrefix(location, "file://")

	rc, err := s.open()
	if err != nil {
		return fileplayer.CodecDescription{}, fmt.Errorf("container: open %s: %w", location, err)
	}
	defer rc.Close()

	video, audio, videoStreamType, haveAudio, err := demux(ctx, rc)
	if err != nil {
		return fileplayer.CodecDescription{}, err
	}
	if len(video) == 0 {
		return fileplayer.CodecDescription{}, ErrNoVideoTrack
	}

	fillDurations(video)
	if haveAudio {
		fillDurations(audio)
	}

	width, height, codecStr := probeVideo(videoStreamType, video)
	desc := fileplayer.CodecDescription{
		VideoCodec: codecStr,
		Width:      width,
		Height:     height,
		HasAudio:   haveAudio,
		DurationMs: video[len(video)-1].TimestampMs,
	}
	if haveAudio {
		desc.AudioCodec = "mp4a.40.2"
	}

	s.mu.Lock()
	s.video = video
	s.audio = audio
	s.videoIdx = 0
	s.audioIdx = 0
	s.mu.Unlock()

	return desc, nil
}

func demux(ctx context.Context, r io.Reader) (video, audio []mediatypes.Sample, videoStreamType uint8, haveAudio bool, err error) {
	dem := mpegts.NewDemuxer(ctx, bufio.NewReader(r))

	var videoPID, audioPID uint16
	pidsAssigned := false

	for {
		data, derr := dem.NextData()
		if derr != nil {
			if errors.Is(derr, io.EOF) {
				break
			}
			return nil, nil, 0, false, fmt.Errorf("container: demux: %w", derr)
		}

		if data.PMT != nil && !pidsAssigned {
			for _, es := range data.PMT.ElementaryStreams {
				switch es.StreamType {
				case streamTypeH264, streamTypeHEVC:
					if videoPID == 0 {
						videoPID = es.ElementaryPID
						videoStreamType = es.StreamType
					}
				case streamTypeAAC:
					if audioPID == 0 {
						audioPID = es.ElementaryPID
						haveAudio = true
					}
				}
			}
			pidsAssigned = videoPID != 0
			continue
		}

		if data.PES == nil || data.FirstPacket == nil {
			continue
		}

		pts := ptsMs(data.PES.Header)
		pid := data.FirstPacket.Header.PID
		switch {
		case pid == videoPID:
			video = append(video, mediatypes.Sample{
				TrackKind:   mediatypes.TrackVideo,
				TimestampMs: pts,
				IsKeyframe:  isVideoKeyframe(videoStreamType, data.PES.Data),
				Data:        data.PES.Data,
			})
		case haveAudio && pid == audioPID:
			audio = append(audio, mediatypes.Sample{
				TrackKind:   mediatypes.TrackAudio,
				TimestampMs: pts,
				IsKeyframe:  true,
				Data:        data.PES.Data,
			})
		}
	}

	return video, audio, videoStreamType, haveAudio, nil
}

func ptsMs(h *mpegts.PESHeader) int64 {
	if h == nil || h.OptionalHeader == nil || h.OptionalHeader.PTS == nil {
		return 0
	}
	return h.OptionalHeader.PTS.Base / 90
}

func fillDurations(samples []mediatypes.Sample) {
	for i := range samples {
		switch {
		case i+1 < len(samples):
			d := samples[i+1].TimestampMs - samples[i].TimestampMs
			if d <= 0 {
				d = defaultFrameDurationMs
			}
			samples[i].DurationMs = d
		case i > 0:
			samples[i].DurationMs = samples[i-1].DurationMs
		default:
			samples[i].DurationMs = defaultFrameDurationMs
		}
	}
}

// splitAnnexB returns the NAL units (without start codes) found in an Annex
// B byte stream, the same start-code scan internal/demux/h264.go's
// ParseAnnexB performs, reimplemented locally to avoid depending on a
// capture-side package from a read-side demuxer.
func splitAnnexB(data []byte) [][]byte {
	var units [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				units = append(units, data[start:i])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start <= len(data) {
		units = append(units, data[start:])
	}
	return units
}

func isVideoKeyframe(streamType uint8, data []byte) bool {
	for _, nalu := range splitAnnexB(data) {
		if len(nalu) == 0 {
			continue
		}
		switch streamType {
		case streamTypeH264:
			if nalu[0]&0x1F == 5 {
				return true
			}
		case streamTypeHEVC:
			if len(nalu) < 2 {
				continue
			}
			nalType := (nalu[0] >> 1) & 0x3F
			if nalType >= 16 && nalType <= 23 {
				return true
			}
		}
	}
	return false
}

// probeVideo scans for an in-band SPS to recover width/height/profile; it
// falls back to zero dimensions and a generic codec string if none of the
// sampled NAL units carry one (e.g. out-of-band parameter sets).
func probeVideo(streamType uint8, samples []mediatypes.Sample) (width, height uint16, codecStr string) {
	for _, s := range samples {
		for _, nalu := range splitAnnexB(s.Data) {
			switch streamType {
			case streamTypeH264:
				if len(nalu) > 0 && nalu[0]&0x1F == 7 {
					if info, err := codecid.ParseAVCSPS(nalu); err == nil {
						return uint16(info.Width), uint16(info.Height), info.CodecString()
					}
				}
			case streamTypeHEVC:
				if len(nalu) > 1 && (nalu[0]>>1)&0x3F == 33 {
					if info, err := codecid.ParseHEVCSPS(nalu); err == nil {
						return uint16(info.Width), uint16(info.Height), info.CodecString()
					}
				}
			}
		}
	}
	if streamType == streamTypeHEVC {
		return 0, 0, "hev1.1.6.L93.B0"
	}
	return 0, 0, "avc1.42001f"
}

// NextSample satisfies fileplayer.Source.
func (s *Source) NextSample(kind mediatypes.TrackKind) (mediatypes.Sample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case mediatypes.TrackVideo:
		if s.videoIdx >= len(s.video) {
			return mediatypes.Sample{}, false, nil
		}
		sample := s.video[s.videoIdx]
		s.videoIdx++
		return sample, true, nil
	case mediatypes.TrackAudio:
		if s.audioIdx >= len(s.audio) {
			return mediatypes.Sample{}, false, nil
		}
		sample := s.audio[s.audioIdx]
		s.audioIdx++
		return sample, true, nil
	default:
		return mediatypes.Sample{}, false, fmt.Errorf("container: unsupported track kind %v", kind)
	}
}

// SeekToKeyframe satisfies fileplayer.Source.
func (s *Source) SeekToKeyframe(ctx context.Context, targetMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.video) == 0 {
		return 0, errors.New("container: seek before load")
	}

	idx := sort.Search(len(s.video), func(i int) bool { return s.video[i].TimestampMs > targetMs }) - 1
	if idx < 0 {
		idx = 0
	}
	for idx > 0 && !s.video[idx].IsKeyframe {
		idx--
	}

	s.videoIdx = idx
	actual := s.video[idx].TimestampMs
	s.audioIdx = sort.Search(len(s.audio), func(i int) bool { return s.audio[i].TimestampMs >= actual })

	return actual, nil
}

// Dispose satisfies fileplayer.Source.
func (s *Source) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = nil
	s.audio = nil
	s.videoIdx = 0
	s.audioIdx = 0
	return nil
}
