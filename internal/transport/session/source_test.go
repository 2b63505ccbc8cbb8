package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

type fakeReader struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	err    error
}

func (r *fakeReader) ReadFrame() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idx < len(r.frames) {
		f := r.frames[r.idx]
		r.idx++
		return f, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return nil, io.EOF
}

func (r *fakeReader) Close() error { return nil }

type fakeSession struct {
	readers map[string]*fakeReader
	onState func(State)
	closed  bool
}

func (s *fakeSession) Subscribe(track string, priority byte) (TrackReader, error) {
	r, ok := s.readers[track]
	if !ok {
		return nil, errors.New("no such track")
	}
	return r, nil
}

func (s *fakeSession) OnStateChange(f func(State)) { s.onState = f }
func (s *fakeSession) Close() error                { s.closed = true; return nil }

func samplePacket(pts uint64, keyframe bool) []byte {
	flags := wire.Flags(0)
	if keyframe {
		flags = wire.FlagIsKeyframe
	}
	buf, err := wire.Serialize(wire.Header{Flags: flags, PTS: pts, Type: wire.TypeVideoFrame}, "", nil, []byte{1, 2, 3})
	if err != nil {
		panic(err)
	}
	return buf
}

func TestSourceEmitsParsedDataForVideoTrack(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{readers: map[string]*fakeReader{
		"video": {frames: [][]byte{samplePacket(0, true), samplePacket(1000, false)}},
	}}
	src := NewSource(sess, []Subscription{{Track: "video", StreamKind: transport.StreamVideo}}, nil)

	var mu sync.Mutex
	var events []transport.Event
	src.OnEvent(func(e transport.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	require.NoError(t, src.Connect(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3 // connected + 2 data events
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, transport.EventConnected, events[0].Kind)
	require.Equal(t, transport.EventData, events[1].Kind)
	require.True(t, events[1].Parsed.Valid)
	require.True(t, events[1].Parsed.Header.IsKeyframe())
}

func TestSourceEmitsRawPayloadForDataTrack(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{readers: map[string]*fakeReader{
		"captions": {frames: [][]byte{[]byte("hello")}},
	}}
	src := NewSource(sess, []Subscription{{Track: "captions", StreamKind: transport.StreamData}}, nil)

	var mu sync.Mutex
	var events []transport.Event
	src.OnEvent(func(e transport.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, src.Connect(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Kind == transport.EventData {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, e := range events {
		if e.Kind == transport.EventData {
			require.Equal(t, []byte("hello"), e.RawPayload)
			found = true
		}
	}
	require.True(t, found)
}

func TestSourceRequestKeyframeNotSupported(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{readers: map[string]*fakeReader{}}
	src := NewSource(sess, nil, nil)
	require.ErrorIs(t, src.RequestKeyframe(), transport.ErrNotSupported)
}

func TestSourceDisconnectOnStateChange(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{readers: map[string]*fakeReader{
		"video": {frames: nil},
	}}
	src := NewSource(sess, []Subscription{{Track: "video", StreamKind: transport.StreamVideo}}, nil)

	var mu sync.Mutex
	var gotDisconnect bool
	src.OnEvent(func(e transport.Event) {
		if e.Kind == transport.EventDisconnected {
			mu.Lock()
			gotDisconnect = true
			mu.Unlock()
		}
	})

	require.NoError(t, src.Connect(context.Background()))
	sess.onState(StateDisconnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotDisconnect
	}, time.Second, 5*time.Millisecond)
}
