package decoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sesame/internal/codecid"
	"github.com/zsiec/sesame/internal/mediatypes"
	"github.com/zsiec/sesame/internal/wire"
)

type fakeBackend struct {
	kind       Kind
	supported  map[string]bool
	configured bool
	configErr  error
	pending    int
	onFrame    func(*mediatypes.DecodedFrame)
	decoded    []mediatypes.EncodedChunk
	flushed    int
	resetCount int
	disposed   bool
}

func newFakeBackend(kind Kind, codecs ...string) *fakeBackend {
	supported := make(map[string]bool, len(codecs))
	for _, c := range codecs {
		supported[c] = true
	}
	return &fakeBackend{kind: kind, supported: supported}
}

func (b *fakeBackend) Kind() Kind             { return b.kind }
func (b *fakeBackend) Supports(c string) bool { return b.supported[c] }

func (b *fakeBackend) Configure(codec string, width, height uint16, onFrame func(*mediatypes.DecodedFrame)) error {
	if b.configErr != nil {
		return b.configErr
	}
	b.configured = true
	b.onFrame = onFrame
	return nil
}

func (b *fakeBackend) Decode(chunk mediatypes.EncodedChunk) error {
	b.decoded = append(b.decoded, chunk)
	return nil
}

func (b *fakeBackend) PendingChunks() int { return b.pending }
func (b *fakeBackend) Flush() error       { b.flushed++; return nil }
func (b *fakeBackend) Reset() error       { b.resetCount++; return nil }
func (b *fakeBackend) Dispose() error     { b.disposed = true; return nil }

func TestConfigurePrefersHardwareWhenRequested(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "avc1.42001f")
	hw := newFakeBackend(KindHardware, "avc1.42001f")
	h := New(Config{Backends: []Backend{sw, hw}})

	require.NoError(t, h.Configure(KindHardware, "avc1.42001f", 1920, 1080))
	require.True(t, hw.configured)
	require.False(t, sw.configured)

	state, ok := h.State()
	require.True(t, ok)
	require.Equal(t, ConfiguredState{Codec: "avc1.42001f", Width: 1920, Height: 1080}, state)
}

func TestConfigureFallsBackToSoftwareWhenHardwareUnsupported(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "opus")
	hw := newFakeBackend(KindHardware, "avc1.42001f")
	h := New(Config{Backends: []Backend{sw, hw}})

	require.NoError(t, h.Configure(KindHardware, "opus", 0, 0))
	require.True(t, sw.configured)
	require.False(t, hw.configured)
}

func TestConfigureUnsupportedCodecFails(t *testing.T) {
	t.Parallel()

	h := New(Config{Backends: []Backend{newFakeBackend(KindSoftware, "opus")}})
	err := h.Configure(KindSoftware, "av01.0.00M.08", 0, 0)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestDecodeBeforeConfigureFails(t *testing.T) {
	t.Parallel()

	h := New(Config{Backends: []Backend{newFakeBackend(KindSoftware, "avc1.42001f")}})
	p := wire.ParsedPacket{Valid: true, Header: wire.Header{PTS: 0}}
	err := h.Decode(&p, codecid.Microsecond)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestDecodeRescalesPTSAndTagsKeyframe(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "avc1.42001f")
	h := New(Config{Backends: []Backend{sw}})
	require.NoError(t, h.Configure(KindSoftware, "avc1.42001f", 1920, 1080))

	p := wire.ParsedPacket{
		Valid:   true,
		Header:  wire.Header{PTS: 90_000, Flags: wire.FlagIsKeyframe},
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, h.Decode(&p, codecid.Timebase{Num: 1, Den: 90_000}))

	require.Len(t, sw.decoded, 1)
	require.Equal(t, mediatypes.ChunkKey, sw.decoded[0].Kind)
	require.Equal(t, int64(1_000_000), sw.decoded[0].TimestampUs)
}

func TestOverflowDropsAndCallsOnOverflow(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "avc1.42001f")
	sw.pending = 100

	var overflowed []int
	h := New(Config{
		Backends:     []Backend{sw},
		MaxQueueSize: 5,
		OnOverflow:   func(qs int) { overflowed = append(overflowed, qs) },
	})
	require.NoError(t, h.Configure(KindSoftware, "avc1.42001f", 0, 0))

	p := wire.ParsedPacket{Valid: true, Header: wire.Header{PTS: 0}}
	require.NoError(t, h.Decode(&p, codecid.Microsecond))

	require.Empty(t, sw.decoded)
	require.Equal(t, []int{100}, overflowed)
	require.Equal(t, int64(1), h.Snapshot().DroppedChunks)
}

func TestDecodeSampleUsesMillisecondTimestamps(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "mp4a.40.2")
	h := New(Config{Backends: []Backend{sw}})
	require.NoError(t, h.Configure(KindSoftware, "mp4a.40.2", 0, 0))

	require.NoError(t, h.DecodeSample(mediatypes.Sample{
		TrackKind:   mediatypes.TrackAudio,
		TimestampMs: 500,
		DurationMs:  20,
		Data:        []byte{9},
	}))

	require.Len(t, sw.decoded, 1)
	require.Equal(t, int64(500_000), sw.decoded[0].TimestampUs)
	require.Equal(t, int64(20_000), sw.decoded[0].DurationUs)
}

func TestFlushResetDisposeDelegateToActiveBackend(t *testing.T) {
	t.Parallel()

	sw := newFakeBackend(KindSoftware, "avc1.42001f")
	h := New(Config{Backends: []Backend{sw}})
	require.NoError(t, h.Configure(KindSoftware, "avc1.42001f", 0, 0))

	require.NoError(t, h.Flush())
	require.NoError(t, h.Reset())
	require.NoError(t, h.Dispose())

	require.Equal(t, 1, sw.flushed)
	require.Equal(t, 1, sw.resetCount)
	require.True(t, sw.disposed)

	_, ok := h.State()
	require.False(t, ok)
}

func TestConfigureSkipsBackendThatErrors(t *testing.T) {
	t.Parallel()

	broken := newFakeBackend(KindSoftware, "avc1.42001f")
	broken.configErr = errors.New("boom")
	working := newFakeBackend(KindSoftware, "avc1.42001f")

	h := New(Config{Backends: []Backend{broken, working}})
	require.NoError(t, h.Configure(KindSoftware, "avc1.42001f", 0, 0))
	require.True(t, working.configured)
}
