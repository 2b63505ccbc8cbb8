package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/sesame/internal/codecid"
	"github.com/zsiec/sesame/internal/mediatypes"
	"github.com/zsiec/sesame/internal/wire"
)

// Kind identifies a decoder backend's implementation family.
type Kind int

const (
	KindSoftware Kind = iota
	KindHardware
	KindNative
)

func (k Kind) String() string {
	switch k {
	case KindSoftware:
		return "software"
	case KindHardware:
		return "hardware"
	case KindNative:
		return "native-decoder"
	default:
		return "unknown"
	}
}

// ErrUnsupportedCodec is returned by Configure when no backend reports
// support for the requested codec string.
var ErrUnsupportedCodec = errors.New("decoder: unsupported codec")

// ErrNotConfigured is returned by Decode/Flush/Reset when called before a
// successful Configure.
var ErrNotConfigured = errors.New("decoder: not configured")

// Backend is the external collaborator a concrete decoder implementation
// satisfies. Hardware, software, and platform-native decoders all speak
// this interface; the harness decides which one to use.
type Backend interface {
	Kind() Kind
	Supports(codec string) bool
	Configure(codec string, width, height uint16, onFrame func(*mediatypes.DecodedFrame)) error
	Decode(chunk mediatypes.EncodedChunk) error
	PendingChunks() int
	Flush() error
	Reset() error
	Dispose() error
}

// ConfiguredState is the harness's canonical view of what the active
// backend is configured for, independent of which backend kind is live.
type ConfiguredState struct {
	Codec  string
	Width  uint16
	Height uint16
}

// OverflowFunc is called when a chunk is dropped because the active
// backend's pending-chunk count exceeds MaxQueueSize.
type OverflowFunc func(queueSize int)

// Config configures a Harness.
type Config struct {
	Backends     []Backend
	MaxQueueSize int
	OnFrame      func(*mediatypes.DecodedFrame)
	OnOverflow   OverflowFunc
	Logger       *slog.Logger
}

const defaultMaxQueueSize = 30

// Harness wraps a set of candidate Backends behind one uniform interface,
// selecting among them at Configure time and exposing a single overflow
// counter regardless of which backend is active.
type Harness struct {
	mu     sync.Mutex
	cfg    Config
	active Backend
	state  ConfiguredState
	log    *slog.Logger

	decoded atomic.Int64
	dropped atomic.Int64
}

// New constructs a Harness. Backends are tried in the order given, except
// that Configure(KindHardware, ...) moves hardware backends to the front
// of that order for the duration of that call.
func New(cfg Config) *Harness {
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Harness{cfg: cfg, log: log.With("component", "decoder-harness")}
}

// Configure selects a backend supporting codec and configures it for
// width/height. preferred steers selection: KindHardware tries hardware
// backends first, falling back to the configured order when none support
// the codec.
func (h *Harness) Configure(preferred Kind, codec string, width, height uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, b := range h.orderedBackends(preferred) {
		if !b.Supports(codec) {
			continue
		}
		if err := b.Configure(codec, width, height, h.cfg.OnFrame); err != nil {
			h.log.Warn("backend configure failed, trying next", "kind", b.Kind(), "codec", codec, "error", err)
			continue
		}
		h.active = b
		h.state = ConfiguredState{Codec: codec, Width: width, Height: height}
		h.log.Info("decoder configured", "kind", b.Kind(), "codec", codec, "width", width, "height", height)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
}

func (h *Harness) orderedBackends(preferred Kind) []Backend {
	if preferred != KindHardware {
		return h.cfg.Backends
	}
	ordered := make([]Backend, 0, len(h.cfg.Backends))
	for _, b := range h.cfg.Backends {
		if b.Kind() == KindHardware {
			ordered = append(ordered, b)
		}
	}
	for _, b := range h.cfg.Backends {
		if b.Kind() != KindHardware {
			ordered = append(ordered, b)
		}
	}
	return ordered
}

// State returns the harness's canonical configured state and whether a
// backend is currently active.
func (h *Harness) State() (ConfiguredState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.active != nil
}

// Decode submits one wire-parsed live packet. The packet's pts is rescaled
// from src to microseconds per codecid.RescaleTime, and the chunk is
// tagged key/delta from the packet's keyframe flag.
func (h *Harness) Decode(p *wire.ParsedPacket, src codecid.Timebase) error {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()

	if active == nil {
		return ErrNotConfigured
	}

	if active.PendingChunks() > h.cfg.MaxQueueSize {
		qs := active.PendingChunks()
		h.dropped.Add(1)
		if h.cfg.OnOverflow != nil {
			h.cfg.OnOverflow(qs)
		}
		return nil
	}

	tsUs := codecid.RescaleTime(p.Header.PTS, src, codecid.Microsecond)
	kind := mediatypes.ChunkDelta
	if p.Header.IsKeyframe() {
		kind = mediatypes.ChunkKey
	}

	if err := active.Decode(mediatypes.EncodedChunk{
		Kind:        kind,
		TimestampUs: int64(tsUs),
		Data:        p.Payload,
	}); err != nil {
		return err
	}
	h.decoded.Add(1)
	return nil
}

// DecodeSample submits one file-player sample, whose timestamp is already
// in milliseconds and whose duration is known.
func (h *Harness) DecodeSample(s mediatypes.Sample) error {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()

	if active == nil {
		return ErrNotConfigured
	}

	if active.PendingChunks() > h.cfg.MaxQueueSize {
		qs := active.PendingChunks()
		h.dropped.Add(1)
		if h.cfg.OnOverflow != nil {
			h.cfg.OnOverflow(qs)
		}
		return nil
	}

	kind := mediatypes.ChunkDelta
	if s.IsKeyframe {
		kind = mediatypes.ChunkKey
	}

	if err := active.Decode(mediatypes.EncodedChunk{
		Kind:        kind,
		TimestampUs: s.TimestampMs * 1000,
		DurationUs:  s.DurationMs * 1000,
		Data:        s.Data,
	}); err != nil {
		return err
	}
	h.decoded.Add(1)
	return nil
}

// Flush asks the active backend to emit any frames it is holding back.
func (h *Harness) Flush() error {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if active == nil {
		return ErrNotConfigured
	}
	return active.Flush()
}

// Reset discards the active backend's internal decode state without
// disposing it.
func (h *Harness) Reset() error {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if active == nil {
		return ErrNotConfigured
	}
	return active.Reset()
}

// Dispose releases the active backend and clears the configured state.
func (h *Harness) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return nil
	}
	err := h.active.Dispose()
	h.active = nil
	h.state = ConfiguredState{}
	return err
}

// Stats is a point-in-time telemetry snapshot.
type Stats struct {
	Configured    bool   `json:"configured"`
	Codec         string `json:"codec"`
	Width         uint16 `json:"width"`
	Height        uint16 `json:"height"`
	DecodedChunks int64  `json:"decoded_chunks"`
	DroppedChunks int64  `json:"dropped_chunks"`
	PendingChunks int    `json:"pending_chunks"`
}

// Snapshot returns the harness's current telemetry.
func (h *Harness) Snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending := 0
	if h.active != nil {
		pending = h.active.PendingChunks()
	}

	return Stats{
		Configured:    h.active != nil,
		Codec:         h.state.Codec,
		Width:         h.state.Width,
		Height:        h.state.Height,
		DecodedChunks: h.decoded.Load(),
		DroppedChunks: h.dropped.Load(),
		PendingChunks: pending,
	}
}
