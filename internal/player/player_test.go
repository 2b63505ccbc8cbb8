package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sesame/internal/decoder"
	"github.com/zsiec/sesame/internal/mediatypes"
	"github.com/zsiec/sesame/internal/scheduler"
	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

type fakeSource struct {
	mu           sync.Mutex
	handlers     []transport.Handler
	keyframeReqs int
}

func (f *fakeSource) Connect(ctx context.Context) error { return nil }
func (f *fakeSource) Disconnect() error                 { return nil }
func (f *fakeSource) Dispose() error                    { return nil }

func (f *fakeSource) RequestKeyframe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyframeReqs++
	return nil
}

func (f *fakeSource) OnEvent(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeSource) emit(e transport.Event) {
	f.mu.Lock()
	handlers := make([]transport.Handler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (f *fakeSource) keyframeReqCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keyframeReqs
}

type decodedDims struct{ w, h uint16 }

// fakeBackend decodes synchronously: every Decode call immediately
// invokes the registered onFrame callback, so tests observe enqueue
// effects without needing a real codec.
type fakeBackend struct {
	mu      sync.Mutex
	onFrame func(*mediatypes.DecodedFrame)
	width   uint16
	height  uint16

	duringConfigure func()
	decodedFrames   []decodedDims
}

func (b *fakeBackend) Kind() decoder.Kind   { return decoder.KindSoftware }
func (b *fakeBackend) Supports(string) bool { return true }
func (b *fakeBackend) PendingChunks() int   { return 0 }
func (b *fakeBackend) Flush() error         { return nil }
func (b *fakeBackend) Reset() error         { return nil }
func (b *fakeBackend) Dispose() error       { return nil }

func (b *fakeBackend) Configure(codec string, width, height uint16, onFrame func(*mediatypes.DecodedFrame)) error {
	b.mu.Lock()
	b.onFrame = onFrame
	b.width = width
	b.height = height
	hook := b.duringConfigure
	b.duringConfigure = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (b *fakeBackend) Decode(chunk mediatypes.EncodedChunk) error {
	b.mu.Lock()
	onFrame := b.onFrame
	w, h := b.width, b.height
	b.decodedFrames = append(b.decodedFrames, decodedDims{w: w, h: h})
	b.mu.Unlock()
	if onFrame != nil {
		onFrame(&mediatypes.DecodedFrame{TimestampUs: chunk.TimestampUs, Width: w, Height: h, Release: func() {}})
	}
	return nil
}

func videoPacket(pts uint64, keyframe bool, cd *wire.CodecData) *wire.ParsedPacket {
	flags := wire.Flags(0)
	if keyframe {
		flags |= wire.FlagIsKeyframe
	}
	return &wire.ParsedPacket{
		Valid:     true,
		Header:    wire.Header{Flags: flags, PTS: pts, Type: wire.TypeVideoFrame},
		CodecData: cd,
		Payload:   []byte{1, 2, 3},
	}
}

func h264CodecData(w, h uint16) *wire.CodecData {
	return &wire.CodecData{CodecType: wire.CodecAVC, Width: w, Height: h, TimebaseNum: 1, TimebaseDen: 90_000}
}

func hevcCodecData(w, h uint16) *wire.CodecData {
	return &wire.CodecData{CodecType: wire.CodecHEVC, Width: w, Height: h, TimebaseNum: 1, TimebaseDen: 90_000}
}

func newTestPlayer(t *testing.T, backend *fakeBackend, src *fakeSource) *Player {
	t.Helper()
	return New(Config{
		Source:           src,
		DecoderBackends:  []decoder.Backend{backend},
		PreferredDecoder: decoder.KindSoftware,
		BufferDelayMs:    0, // bypass: every enqueued frame is immediately dequeuable
		VideoTrackName:   DefaultVideoTrackName(),
	})
}

// Scenario 6: wait-for-keyframe.
func TestWaitForKeyframeDropsDeltasUntilKeyframeArrives(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)
	p.Play()

	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(1000, false, nil)})

	require.Empty(t, backend.decodedFrames, "no frame should reach the decoder before a keyframe")
	require.Equal(t, scheduler.StateBypass.String(), p.SchedulerTelemetry().State)
	require.Equal(t, int64(0), p.SchedulerTelemetry().TotalEnqueued)

	require.Eventually(t, func() bool {
		return src.keyframeReqCount() >= 1
	}, time.Second, 5*time.Millisecond, "a keyframe request should have been emitted")

	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(2000, true, h264CodecData(1920, 1080))})

	require.Len(t, backend.decodedFrames, 1)
	require.Eventually(t, func() bool {
		return p.SchedulerTelemetry().TotalEnqueued == 1
	}, time.Second, 5*time.Millisecond)
}

// Scenario 7: codec change.
func TestCodecChangeReconfiguresAndDrainsQueuedPacketsInOrder(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)
	p.Play()

	// Establish H.264 1080p with an initial keyframe, then feed a run of
	// plain deltas (no codec_data attached, the common case).
	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(0, true, h264CodecData(1920, 1080))})
	for i := int64(1); i <= 5; i++ {
		src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
			Parsed: videoPacket(uint64(i*3000), false, nil)})
	}
	require.Len(t, backend.decodedFrames, 6)
	for _, d := range backend.decodedFrames {
		require.Equal(t, decodedDims{1920, 1080}, d)
	}

	// Queue one delta packet mid-reconfigure, simulating a packet that
	// arrives while Configure is still in flight.
	queuedPTS := uint64(500_000)
	backend.mu.Lock()
	backend.duringConfigure = func() {
		src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
			Parsed: videoPacket(queuedPTS, false, nil)})
	}
	backend.mu.Unlock()

	// Keyframe advertising HEVC 720p triggers the reconfigure.
	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(600_000, true, hevcCodecData(1280, 720))})

	require.Len(t, backend.decodedFrames, 8, "keyframe + the one packet queued during configure")
	require.Equal(t, decodedDims{1280, 720}, backend.decodedFrames[6], "the reconfiguring keyframe itself")
	require.Equal(t, decodedDims{1280, 720}, backend.decodedFrames[7], "the packet queued mid-configure, drained after")

	state, ok := p.dec.State()
	require.True(t, ok)
	require.Equal(t, uint16(1280), state.Width)
	require.Equal(t, uint16(720), state.Height)
}

func TestVideoTrackFilterIgnoresOtherTracks(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)
	p.Play()

	src.emit(transport.Event{Kind: transport.EventData, Track: "screenshare", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(0, true, h264CodecData(640, 480))})

	require.Empty(t, backend.decodedFrames)
}

func TestDecoderOverflowFlushesClearsAndRequestsKeyframe(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)
	p.Play()

	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(0, true, h264CodecData(1920, 1080))})
	require.Len(t, backend.decodedFrames, 1)

	p.onDecoderOverflow(42)

	require.Equal(t, 0, p.SchedulerTelemetry().BufferedFrames, "overflow clears the scheduler")
	require.True(t, p.waitingForKeyframeForTest())

	require.Eventually(t, func() bool {
		return src.keyframeReqCount() >= 1
	}, time.Second, 5*time.Millisecond)

	// Subsequent deltas are dropped again until a fresh keyframe arrives.
	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(5000, false, nil)})
	require.Len(t, backend.decodedFrames, 1)
}

func TestPlayPauseGetVideoFrame(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)

	require.Nil(t, p.GetVideoFrame(0), "paused by default, nothing displayed yet")

	p.Play()
	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(0, true, h264CodecData(1920, 1080))})

	var frame *mediatypes.DecodedFrame
	require.Eventually(t, func() bool {
		frame = p.GetVideoFrame(0)
		return frame != nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint16(1920), frame.Width)

	p.Pause()
	require.Equal(t, frame, p.GetVideoFrame(1000), "paused returns the same last-displayed frame")
}

func TestSetPreferredDecoderSwitchResetsState(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	src := &fakeSource{}
	p := newTestPlayer(t, backend, src)
	p.Play()

	src.emit(transport.Event{Kind: transport.EventData, Track: "video", StreamKind: transport.StreamVideo,
		Parsed: videoPacket(0, true, h264CodecData(1920, 1080))})
	require.Len(t, backend.decodedFrames, 1)

	p.SetPreferredDecoder(decoder.KindHardware)

	require.True(t, p.waitingForKeyframeForTest())
	_, ok := p.dec.State()
	require.False(t, ok, "decoder should be disposed on a decoder-family switch")

	require.Eventually(t, func() bool {
		return src.keyframeReqCount() >= 1
	}, time.Second, 5*time.Millisecond)
}

// waitingForKeyframeForTest exposes internal state for assertions without
// a separate exported getter on the production type.
func (p *Player) waitingForKeyframeForTest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingForKeyframe
}
