package quicsession

import (
	"bufio"
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/sesame/internal/transport/session"
)

// Session wraps a live QUIC connection. It satisfies
// internal/transport/session.Session.
type Session struct {
	conn quic.Connection

	mu      sync.Mutex
	onState func(session.State)
	watched bool
}

// New wraps an already-established QUIC connection.
func New(conn quic.Connection) *Session {
	return &Session{conn: conn}
}

// Subscribe opens a new unidirectional-in-spirit stream for trackName: a
// bidirectional QUIC stream whose write half carries only the one-time
// track header.
func (s *Session) Subscribe(trackName string, priority byte) (session.TrackReader, error) {
	stream, err := s.conn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, fmt.Errorf("quicsession: open stream for track %q: %w", trackName, err)
	}
	if err := writeTrackHeader(stream, trackName, priority); err != nil {
		stream.Close()
		return nil, fmt.Errorf("quicsession: write track header for %q: %w", trackName, err)
	}
	return &trackReader{stream: stream, r: bufio.NewReader(stream)}, nil
}

// OnStateChange registers cb and starts watching the connection's context
// for cancellation, which quic-go closes when the connection is lost.
func (s *Session) OnStateChange(cb func(session.State)) {
	s.mu.Lock()
	s.onState = cb
	alreadyWatching := s.watched
	s.watched = true
	s.mu.Unlock()

	if !alreadyWatching {
		go s.watchClose()
	}
}

func (s *Session) watchClose() {
	<-s.conn.Context().Done()
	s.mu.Lock()
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(session.StateDisconnected)
	}
}

// Close closes the underlying QUIC connection.
func (s *Session) Close() error {
	return s.conn.CloseWithError(0, "session closed")
}

// trackReader reads varint-framed payloads off one QUIC stream.
type trackReader struct {
	stream quic.Stream
	r      *bufio.Reader
}

func (tr *trackReader) ReadFrame() ([]byte, error) {
	return readFrame(tr.r)
}

func (tr *trackReader) Close() error {
	return tr.stream.Close()
}
