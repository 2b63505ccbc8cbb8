package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

// State mirrors the underlying session's connection state.
type State int

const (
	StateConnected State = iota
	StateDisconnected
)

// TrackReader yields discrete per-track byte frames from an open
// subscription. ReadFrame returning a non-nil error ends the track.
type TrackReader interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Session is the external collaborator: an established transport session
// capable of opening per-track subscriptions. Concrete session
// establishment (QUIC/WebTransport handshake, MoQ SUBSCRIBE control
// messages) lives outside the core per spec.md's non-goals.
type Session interface {
	Subscribe(trackName string, priority byte) (TrackReader, error)
	OnStateChange(func(State))
	Close() error
}

// KeyframeRequester is an optional Session capability: sessions that can
// forward a keyframe request to the publisher implement it.
type KeyframeRequester interface {
	RequestKeyframe(track string) error
}

// Subscription describes one track to subscribe to and how its frames
// should be interpreted.
type Subscription struct {
	Track      string
	Priority   byte
	StreamKind transport.StreamKind
}

// Source adapts a Session into a transport.Source: it opens the
// configured subscriptions on Connect, parses video/audio frames with the
// wire codec, and forwards non-media tracks as raw payload events.
type Source struct {
	sess Session
	subs []Subscription
	log  *slog.Logger

	mu       sync.Mutex
	handlers []transport.Handler
	readers  []TrackReader
	cancel   context.CancelFunc
}

// NewSource builds a Source over sess for the given subscriptions.
func NewSource(sess Session, subs []Subscription, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{sess: sess, subs: subs, log: log.With("component", "session-source")}
}

// OnEvent registers h to receive events. Safe to call before or after
// Connect.
func (s *Source) OnEvent(h transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Source) emit(e transport.Event) {
	s.mu.Lock()
	handlers := make([]transport.Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Connect opens every configured subscription and starts one read loop
// per track. A session stateChange to disconnected is treated as a
// terminal disconnect for every track.
func (s *Source) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.sess.OnStateChange(func(st State) {
		if st == StateDisconnected {
			s.emit(transport.Event{Kind: transport.EventDisconnected})
			cancel()
		}
	})

	for _, sub := range s.subs {
		reader, err := s.sess.Subscribe(sub.Track, sub.Priority)
		if err != nil {
			s.emit(transport.Event{Kind: transport.EventError, Track: sub.Track, Err: err})
			continue
		}
		s.mu.Lock()
		s.readers = append(s.readers, reader)
		s.mu.Unlock()
		go s.readLoop(ctx, sub, reader)
	}

	s.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (s *Source) readLoop(ctx context.Context, sub Subscription, reader TrackReader) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			s.emit(transport.Event{Kind: transport.EventError, Track: sub.Track, Err: err})
			return
		}

		if sub.StreamKind == transport.StreamData {
			s.emit(transport.Event{
				Kind:       transport.EventData,
				Track:      sub.Track,
				StreamKind: sub.StreamKind,
				RawPayload: frame,
			})
			continue
		}

		parsed := wire.Parse(frame)
		if !parsed.Valid {
			s.log.Warn("dropping malformed frame", "track", sub.Track)
			continue
		}
		s.emit(transport.Event{
			Kind:       transport.EventData,
			Track:      sub.Track,
			StreamKind: sub.StreamKind,
			Parsed:     &parsed,
		})
	}
}

// RequestKeyframe forwards to the session if it implements
// KeyframeRequester, targeting the first configured video subscription.
func (s *Source) RequestKeyframe() error {
	kr, ok := s.sess.(KeyframeRequester)
	if !ok {
		return transport.ErrNotSupported
	}
	for _, sub := range s.subs {
		if sub.StreamKind == transport.StreamVideo {
			return kr.RequestKeyframe(sub.Track)
		}
	}
	return transport.ErrNotSupported
}

// Disconnect cancels all read loops and closes every open track reader.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var firstErr error
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispose disconnects and closes the underlying session.
func (s *Source) Dispose() error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	if s.sess == nil {
		return errors.New("session: dispose called with no session")
	}
	return s.sess.Close()
}
