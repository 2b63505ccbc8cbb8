package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/zsiec/sesame/internal/transport"
)

// WriterSession is the write-side external collaborator: something that
// can open a new object-group stream for a track and accept raw bytes,
// mirroring the teacher's moqWriter.WriteStreamHeader/writeObject split
// but for the publish side instead of the broadcast side.
type WriterSession interface {
	OpenGroup(track string, groupID uint64) (io.WriteCloser, error)
	Close() error
}

type trackState struct {
	writer       io.WriteCloser
	nextGroupID  uint64
	audioInGroup int
}

// Sink adapts a WriterSession into a transport.Sink, applying spec.md
// §4.H's group-boundary policy: a new group starts on every video
// keyframe, every AudioGroupSize audio packets, and every data send.
type Sink struct {
	ws             WriterSession
	audioGroupSize int

	mu       sync.Mutex
	tracks   map[string]*trackState
	onKeyfrm func()
}

// NewSink builds a Sink over ws. audioGroupSize <= 0 selects
// transport.DefaultAudioGroupSize.
func NewSink(ws WriterSession, audioGroupSize int) *Sink {
	if audioGroupSize <= 0 {
		audioGroupSize = transport.DefaultAudioGroupSize
	}
	return &Sink{ws: ws, audioGroupSize: audioGroupSize, tracks: make(map[string]*trackState)}
}

// Connect is a no-op: WriterSession is assumed already connected by its
// owner (session establishment is an external collaborator).
func (s *Sink) Connect(ctx context.Context) error { return nil }

func (s *Sink) state(track string) *trackState {
	st, ok := s.tracks[track]
	if !ok {
		st = &trackState{}
		s.tracks[track] = st
	}
	return st
}

// Send writes p to track, opening a new group when the boundary policy
// requires one.
func (s *Sink) Send(track string, p transport.SerializedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(track)
	needsNewGroup := st.writer == nil

	switch p.Kind {
	case transport.StreamVideo:
		if p.IsKeyframe {
			needsNewGroup = true
		}
	case transport.StreamAudio:
		if st.audioInGroup >= s.audioGroupSize {
			needsNewGroup = true
		}
	case transport.StreamData:
		needsNewGroup = true
	}

	if needsNewGroup {
		if st.writer != nil {
			if err := st.writer.Close(); err != nil {
				return fmt.Errorf("session sink: close previous group for %s: %w", track, err)
			}
		}
		w, err := s.ws.OpenGroup(track, st.nextGroupID)
		if err != nil {
			return fmt.Errorf("session sink: open group for %s: %w", track, err)
		}
		st.writer = w
		st.nextGroupID++
		st.audioInGroup = 0
	}

	if _, err := st.writer.Write(p.Bytes); err != nil {
		return fmt.Errorf("session sink: write to %s: %w", track, err)
	}

	if p.Kind == transport.StreamAudio {
		st.audioInGroup++
	}
	return nil
}

// SendData writes an auxiliary payload to track, bypassing the wire codec
// and always starting a new singleton group.
func (s *Sink) SendData(track string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(track)
	w, err := s.ws.OpenGroup(track, st.nextGroupID)
	if err != nil {
		return fmt.Errorf("session sink: open data group for %s: %w", track, err)
	}
	st.nextGroupID++

	if _, err := w.Write(payload); err != nil {
		w.Close()
		return fmt.Errorf("session sink: write data to %s: %w", track, err)
	}
	return w.Close()
}

// OnRequestKeyframe registers cb to be invoked by DeliverKeyframeRequest,
// which the owner of the WriterSession calls when the underlying
// transport signals a keyframe request from a viewer.
func (s *Sink) OnRequestKeyframe(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyfrm = cb
}

// DeliverKeyframeRequest invokes the registered keyframe callback, if
// any. It exists because WriterSession has no standard mechanism for
// carrying such an out-of-band signal back from the transport.
func (s *Sink) DeliverKeyframeRequest() {
	s.mu.Lock()
	cb := s.onKeyfrm
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Disconnect closes every open track writer without closing the session.
func (s *Sink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for track, st := range s.tracks {
		if st.writer == nil {
			continue
		}
		if err := st.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("session sink: close %s: %w", track, err)
		}
		st.writer = nil
	}
	return firstErr
}

// Dispose disconnects and closes the underlying session.
func (s *Sink) Dispose() error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	return s.ws.Close()
}
