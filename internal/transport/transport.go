package transport

import (
	"context"
	"errors"

	"github.com/zsiec/sesame/internal/wire"
)

// ErrNotSupported is returned by RequestKeyframe implementations that
// have no way to signal the far end (e.g. a source with no upstream
// producer to ask).
var ErrNotSupported = errors.New("transport: not supported")

// EventKind identifies what a Source handler is being told.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventData:
		return "data"
	default:
		return "unknown"
	}
}

// StreamKind identifies which decoder subsystem a track feeds.
type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
	StreamData
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is delivered to a Source's registered handlers. Adapters may
// deliver events from any goroutine and make no ordering guarantee across
// tracks, only within a single track.
type Event struct {
	Kind       EventKind
	Track      string
	StreamKind StreamKind
	Parsed     *wire.ParsedPacket // set on EventData for video/audio tracks
	RawPayload []byte             // set on EventData for non-media (data) tracks
	Err        error              // set on EventError
}

// Handler receives Source events. It must not block for long: adapters
// call handlers synchronously from their read loop.
type Handler func(Event)

// Source is the abstraction the live and file players consume: a
// connection that emits parsed media events and optionally supports
// requesting a keyframe from the far end.
type Source interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// RequestKeyframe asks the producer to emit a keyframe at the next
	// opportunity. Returns ErrNotSupported if the adapter has no such
	// mechanism.
	RequestKeyframe() error
	Dispose() error
	OnEvent(h Handler)
}

// SerializedPacket is what a Sink transmits: an already wire-serialized
// packet plus the routing metadata a sink needs to decide group
// boundaries without re-parsing the bytes.
type SerializedPacket struct {
	Bytes      []byte
	IsKeyframe bool
	TSUs       int64
	Kind       StreamKind
}

// Sink is the capture pipeline's abstraction over where packetized media
// goes: a WebSocket-style single-channel sink, or a session-broadcast
// sink that partitions packets into groups.
type Sink interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(track string, p SerializedPacket) error
	// SendData sends a raw auxiliary payload on track, bypassing the wire
	// codec entirely (spec.md §4.C).
	SendData(track string, payload []byte) error
	// OnRequestKeyframe registers cb to be called when the far end
	// requests a keyframe. A sink with no such signal never calls cb.
	OnRequestKeyframe(cb func())
	Dispose() error
}

// DefaultAudioGroupSize is the number of audio packets a session sink
// groups together before starting a new group, absent an override.
const DefaultAudioGroupSize = 50
