package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sesame/internal/mediatypes"
)

// --- synthetic MPEG-TS stream construction, test-only ---
//
// Adapted from the MPEG-2 CRC32 algorithm in internal/mpegts/crc32.go
// (duplicated here since it is unexported in that package) and from the
// PAT/PMT/PES section layouts internal/mpegts/psi.go and pes.go parse.

var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

func buildPAT(tsID uint16, pmtPID uint16) []byte {
	sectionLength := 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x00
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0x00
	data[9] = 0x01
	data[10] = 0xE0 | byte(pmtPID>>8)&0x1F
	data[11] = byte(pmtPID)
	crc := crc32MPEG(data[:12])
	binary.BigEndian.PutUint32(data[12:], crc)
	return data
}

type esEntry struct {
	streamType uint8
	pid        uint16
}

func buildPMT(programNum, pcrPID uint16, streams []esEntry) []byte {
	esLen := len(streams) * 5
	sectionLength := 9 + esLen + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x02
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0
		data[offset+4] = 0x00
		offset += 5
	}

	crc := crc32MPEG(data[:offset])
	binary.BigEndian.PutUint32(data[offset:], crc)
	return data
}

func encodeTimestamp(prefix byte, ts int64) [5]byte {
	var b [5]byte
	b[0] = (prefix << 4) | byte((ts>>29)&0x0E) | 0x01
	b[1] = byte((ts >> 22) & 0xFF)
	b[2] = byte((ts>>14)&0xFE) | 0x01
	b[3] = byte((ts >> 7) & 0xFF)
	b[4] = byte((ts<<1)&0xFE) | 0x01
	return b
}

func buildPES(streamID byte, ptsUnits int64, data []byte) []byte {
	ts := encodeTimestamp(0x02, ptsUnits)
	buf := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, 0x80, 0x05}
	buf = append(buf, ts[:]...)
	buf = append(buf, data...)
	return buf
}

func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, 188)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	copy(buf[4:], payload)
	return buf
}

func psiPacket(pid uint16, cc uint8, section []byte) []byte {
	payload := append([]byte{0x00}, section...)
	return tsPacket(pid, cc, true, payload)
}

// buildStream assembles a minimal PAT → PMT → (video, audio) PES-per-frame
// MPEG-TS byte stream with numFrames access units per track, 3000 (90kHz)
// ticks = 33.33ms apart.
func buildStream(t *testing.T, numFrames int) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write(psiPacket(0x0000, 0, buildPAT(1, 0x1000)))
	buf.Write(psiPacket(0x1000, 0, buildPMT(1, 0x100, []esEntry{
		{streamTypeH264, 0x100},
		{streamTypeAAC, 0x101},
	})))

	for i := 0; i < numFrames; i++ {
		pts := int64(i) * 3000
		videoData := []byte{0x00, 0x00, 0x00, 0x01, 0x61} // non-IDR slice
		if i == 0 || i == 5 {
			videoData = []byte{0x00, 0x00, 0x00, 0x01, 0x65} // IDR
		}
		buf.Write(tsPacket(0x100, uint8(i), true, buildPES(0xE0, pts, videoData)))

		audioData := []byte{0xFF, 0xF1, 0x50, 0x40, byte(i)}
		buf.Write(tsPacket(0x101, uint8(i), true, buildPES(0xC0, pts, audioData)))
	}

	return buf.Bytes()
}

func readerOpener(data []byte) Opener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestLoadReportsCodecDescription(t *testing.T) {
	t.Parallel()

	data := buildStream(t, 10)
	src := New(readerOpener(data))
	desc, err := src.Load(context.Background(), "file:///clip.ts")
	require.NoError(t, err)
	require.True(t, desc.HasAudio)
	require.Equal(t, "mp4a.40.2", desc.AudioCodec)
	require.Greater(t, desc.DurationMs, int64(0))
}

func TestNextSampleReturnsVideoInOrder(t *testing.T) {
	t.Parallel()

	data := buildStream(t, 10)
	src := New(readerOpener(data))
	_, err := src.Load(context.Background(), "clip.ts")
	require.NoError(t, err)

	var lastTS int64 = -1
	count := 0
	for {
		sample, ok, err := src.NextSample(mediatypes.TrackVideo)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.GreaterOrEqual(t, sample.TimestampMs, lastTS)
		lastTS = sample.TimestampMs
		count++
	}
	require.Equal(t, 10, count)

	_, ok, err := src.NextSample(mediatypes.TrackVideo)
	require.NoError(t, err)
	require.False(t, ok, "exhausted track returns ok=false")
}

func TestNextSampleMarksKeyframes(t *testing.T) {
	t.Parallel()

	data := buildStream(t, 10)
	src := New(readerOpener(data))
	_, err := src.Load(context.Background(), "clip.ts")
	require.NoError(t, err)

	var keyframeIdx []int
	for i := 0; ; i++ {
		sample, ok, err := src.NextSample(mediatypes.TrackVideo)
		require.NoError(t, err)
		if !ok {
			break
		}
		if sample.IsKeyframe {
			keyframeIdx = append(keyframeIdx, i)
		}
	}
	require.Equal(t, []int{0, 5}, keyframeIdx)
}

func TestSeekToKeyframeLandsOnOrBeforeTarget(t *testing.T) {
	t.Parallel()

	data := buildStream(t, 10)
	src := New(readerOpener(data))
	_, err := src.Load(context.Background(), "clip.ts")
	require.NoError(t, err)

	// 200ms is frame 6 (pts 6*3000/90); nearest keyframe at-or-before it is frame 5 (500/3=166ms).
	actual, err := src.SeekToKeyframe(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, int64(166), actual)

	sample, ok, err := src.NextSample(mediatypes.TrackVideo)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sample.IsKeyframe)
	require.Equal(t, int64(166), sample.TimestampMs)
}

func TestLoadWithoutVideoTrackFails(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(psiPacket(0x0000, 0, buildPAT(1, 0x1000)))
	buf.Write(psiPacket(0x1000, 0, buildPMT(1, 0x100, []esEntry{
		{streamTypeAAC, 0x101},
	})))

	src := New(readerOpener(buf.Bytes()))
	_, err := src.Load(context.Background(), "audio-only.ts")
	require.ErrorIs(t, err, ErrNoVideoTrack)
}
