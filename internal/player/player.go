package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/sesame/internal/codecid"
	"github.com/zsiec/sesame/internal/decoder"
	"github.com/zsiec/sesame/internal/mediatypes"
	"github.com/zsiec/sesame/internal/scheduler"
	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

// State is the live player's state machine position.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateConfiguring
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateConfiguring:
		return "configuring"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind tags a player error with the taxonomy from spec.md §7, so
// callers can decide whether to reset the pipeline.
type ErrorKind int

const (
	ErrorUnsupportedCodec ErrorKind = iota
	ErrorConfigureFailed
	ErrorTransport
	ErrorFatal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUnsupportedCodec:
		return "unsupported_codec"
	case ErrorConfigureFailed:
		return "configure_failed"
	case ErrorTransport:
		return "transport_error"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("player: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const keyframeRequestInterval = time.Second

// defaultVideoTrack and defaultAudioTrack back DefaultVideoTrackName and
// DefaultAudioTrackName; a nil track name in Config is not replaced by
// them: spec.md §4.F's "null accepts any track" is a distinct choice from
// "use the default name", represented by the *string itself being nil vs
// pointing at an empty/explicit value.
const (
	defaultVideoTrack = "video"
	defaultAudioTrack = "audio"
)

// Config configures a Player.
type Config struct {
	Source transport.Source

	DecoderBackends     []decoder.Backend
	MaxDecoderQueueSize int
	PreferredDecoder    decoder.Kind

	BufferDelayMs      int64
	MaxBuffer          int
	DriftCheckInterval int64
	DriftThresholdMs   int64

	EnableAudio bool
	// VideoTrackName filters which track name is treated as video. A nil
	// pointer accepts any track (spec.md §4.F); pointing at a string,
	// including the empty string, is an explicit filter. Leave nil only
	// to opt out of filtering; use DefaultVideoTrackName for the common
	// case.
	VideoTrackName *string
	AudioTrackName *string

	DebugLogging bool
	Logger       *slog.Logger

	// OnError is called for every player-level error event (spec.md §7's
	// "one error event carrying kind and message").
	OnError func(*Error)
}

// DefaultVideoTrackName and DefaultAudioTrackName are convenience
// pointers for the common, non-null track filter.
func DefaultVideoTrackName() *string { s := defaultVideoTrack; return &s }
func DefaultAudioTrackName() *string { s := defaultAudioTrack; return &s }

type pendingArrival struct {
	at         time.Time
	isKeyframe bool
}

type queuedPacket struct {
	track  string
	parsed *wire.ParsedPacket
}

// Player orchestrates components A, B, D, and E for one live stream
// (spec.md §4.F).
type Player struct {
	cfg Config
	log *slog.Logger

	source transport.Source
	dec    *decoder.Harness
	sched  *scheduler.Scheduler
	sf     singleflight.Group

	mu                 sync.Mutex
	state              State
	desiredState       State // playing or paused, what to return to after configuring
	codecID            *codecid.Identity
	videoTimebase      codecid.Timebase
	waitingForKeyframe bool
	queued             []queuedPacket
	lastDisplayed      *mediatypes.DecodedFrame
	lastKeyframeReq    time.Time
	arrivals           map[int64]pendingArrival
}

// New builds a Player. Call Start to connect the source and begin
// routing events.
func New(cfg Config) *Player {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "player")

	p := &Player{
		cfg:                cfg,
		log:                log,
		source:             cfg.Source,
		desiredState:       StatePaused,
		videoTimebase:      codecid.Timebase{Num: 1, Den: 90_000},
		waitingForKeyframe: true,
		arrivals:           make(map[int64]pendingArrival),
	}

	p.sched = scheduler.New(scheduler.Config{
		BufferDelayMs:      cfg.BufferDelayMs,
		MaxBuffer:          cfg.MaxBuffer,
		DriftCheckInterval: int(cfg.DriftCheckInterval),
		DriftThresholdMs:   cfg.DriftThresholdMs,
		Logger:             log,
		OnDrop:             p.onSchedulerDrop,
	})
	p.dec = decoder.New(decoder.Config{
		Backends:     cfg.DecoderBackends,
		MaxQueueSize: cfg.MaxDecoderQueueSize,
		OnFrame:      p.onDecodedFrame,
		OnOverflow:   p.onDecoderOverflow,
		Logger:       log,
	})

	cfg.Source.OnEvent(p.handleSourceEvent)
	return p
}

// Start connects the underlying source. Events begin arriving
// asynchronously once Connect returns.
func (p *Player) Start(ctx context.Context) error {
	return p.source.Connect(ctx)
}

// State returns the player's current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play transitions to playing; getVideoFrame will begin pulling from the
// scheduler.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desiredState = StatePlaying
	if p.state != StateConfiguring && p.state != StateError {
		p.state = StatePlaying
	}
}

// Pause transitions to paused; getVideoFrame returns the last displayed
// frame without advancing.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desiredState = StatePaused
	if p.state != StateConfiguring && p.state != StateError {
		p.state = StatePaused
	}
}

// GetVideoFrame returns the frame to display at nowMs. Outside the
// playing state it returns the last displayed frame with no scheduler
// pull; while playing it dequeues from the scheduler and releases the
// previously displayed frame if it differs from the new one.
func (p *Player) GetVideoFrame(nowMs int64) *mediatypes.DecodedFrame {
	p.mu.Lock()
	playing := p.state == StatePlaying
	p.mu.Unlock()
	if !playing {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastDisplayed
	}

	frame, ok := p.sched.Dequeue(nowMs)

	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		df, _ := frame.(*mediatypes.DecodedFrame)
		if p.lastDisplayed != nil && p.lastDisplayed != df {
			p.lastDisplayed.Close()
		}
		p.lastDisplayed = df
	}
	return p.lastDisplayed
}

// SetPreferredDecoder switches the decoder family. If the new kind
// differs from the live one, the active decoder is disposed, the
// scheduler cleared, and playback re-enters wait-for-keyframe.
func (p *Player) SetPreferredDecoder(kind decoder.Kind) {
	p.mu.Lock()
	if kind == p.cfg.PreferredDecoder {
		p.mu.Unlock()
		return
	}
	p.cfg.PreferredDecoder = kind
	p.codecID = nil
	p.waitingForKeyframe = true
	p.arrivals = make(map[int64]pendingArrival)
	p.mu.Unlock()

	if err := p.dec.Dispose(); err != nil {
		p.log.Warn("decoder dispose on preferred-decoder switch failed", "error", err)
	}
	p.sched.Clear()
	p.requestKeyframeThrottled()
}

// Flush resets the decoder and scheduler and re-enters wait-for-keyframe.
func (p *Player) Flush() {
	if err := p.dec.Flush(); err != nil && !errors.Is(err, decoder.ErrNotConfigured) {
		p.log.Warn("decoder flush failed", "error", err)
	}
	p.sched.Clear()
	p.mu.Lock()
	p.waitingForKeyframe = true
	p.mu.Unlock()
	p.requestKeyframeThrottled()
}

// Dispose tears down the source, decoder, and scheduler and releases the
// last displayed frame.
func (p *Player) Dispose() error {
	err := p.source.Dispose()
	if derr := p.dec.Dispose(); derr != nil && !errors.Is(derr, decoder.ErrNotConfigured) {
		p.log.Warn("decoder dispose failed", "error", derr)
	}
	p.sched.Clear()

	p.mu.Lock()
	if p.lastDisplayed != nil {
		p.lastDisplayed.Close()
		p.lastDisplayed = nil
	}
	p.state = StateIdle
	p.mu.Unlock()
	return err
}

// SchedulerTelemetry exposes the jitter buffer's snapshot for a
// supervising UI or debug endpoint.
func (p *Player) SchedulerTelemetry() scheduler.Telemetry {
	return p.sched.Snapshot()
}

func (p *Player) handleSourceEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventConnected:
		p.mu.Lock()
		if p.state == StateIdle {
			p.state = p.desiredState
		}
		p.mu.Unlock()

	case transport.EventDisconnected:
		p.emitError(ErrorTransport, fmt.Errorf("transport disconnected: %w", e.Err))

	case transport.EventError:
		p.emitError(ErrorTransport, e.Err)

	case transport.EventData:
		p.handleData(e)
	}
}

func (p *Player) handleData(e transport.Event) {
	if isVideoEvent(e, p.cfg.VideoTrackName) {
		p.handleVideoData(e)
		return
	}
	if p.cfg.EnableAudio && isAudioEvent(e, p.cfg.AudioTrackName) {
		// Audio decode is out of core scope (spec.md §4.F): the audio
		// subsystem owns reconfigure/playback. The player only needs to
		// avoid routing audio packets into the video decoder.
		return
	}
}

func isVideoEvent(e transport.Event, trackFilter *string) bool {
	isVideo := e.StreamKind == transport.StreamVideo
	if e.Parsed != nil && e.Parsed.Valid {
		isVideo = isVideo || e.Parsed.Header.Type == wire.TypeVideoFrame
	}
	if !isVideo {
		return false
	}
	return trackFilter == nil || e.Track == *trackFilter
}

func isAudioEvent(e transport.Event, trackFilter *string) bool {
	isAudio := e.StreamKind == transport.StreamAudio
	if e.Parsed != nil && e.Parsed.Valid {
		isAudio = isAudio || e.Parsed.Header.Type == wire.TypeAudioFrame
	}
	if !isAudio {
		return false
	}
	return trackFilter == nil || e.Track == *trackFilter
}

func (p *Player) handleVideoData(e transport.Event) {
	parsed := e.Parsed
	if parsed == nil || !parsed.Valid {
		return
	}

	identity, hasIdentity := codecid.IdentityFromCodecData(parsed.CodecData)

	p.mu.Lock()
	changed := hasIdentity && codecid.CodecDataChanged(p.codecID, &identity)
	configuring := p.state == StateConfiguring
	waiting := p.waitingForKeyframe
	p.mu.Unlock()

	switch {
	case changed && parsed.Header.IsKeyframe():
		p.reconfigure(identity, parsed)
	case changed:
		// Codec differs but this isn't a keyframe: drop and keep waiting.
		p.mu.Lock()
		p.waitingForKeyframe = true
		p.mu.Unlock()
		p.requestKeyframeThrottled()
		return
	case configuring:
		p.mu.Lock()
		p.queued = append(p.queued, queuedPacket{track: e.Track, parsed: parsed})
		p.mu.Unlock()
	case waiting:
		if !parsed.Header.IsKeyframe() {
			p.requestKeyframeThrottled()
			return
		}
		p.mu.Lock()
		p.waitingForKeyframe = false
		p.mu.Unlock()
		p.submitToDecoder(parsed)
	default:
		p.submitToDecoder(parsed)
	}
}

func (p *Player) reconfigure(identity codecid.Identity, parsed *wire.ParsedPacket) {
	p.mu.Lock()
	p.state = StateConfiguring
	p.queued = p.queued[:0]
	if parsed.CodecData != nil && parsed.CodecData.TimebaseDen != 0 {
		p.videoTimebase = codecid.Timebase{Num: parsed.CodecData.TimebaseNum, Den: parsed.CodecData.TimebaseDen}
	}
	p.mu.Unlock()

	codecStr, ok := codecid.GetCodecString(parsed.CodecData)
	if !ok {
		p.emitError(ErrorUnsupportedCodec, fmt.Errorf("unrecognized codec_type %d", parsed.CodecData.CodecType))
		p.mu.Lock()
		p.state = StateError
		p.mu.Unlock()
		return
	}

	if err := p.dec.Configure(p.cfg.PreferredDecoder, codecStr, identity.Width, identity.Height); err != nil {
		// ConfigureFailed is recoverable on the next keyframe with a
		// (possibly different) codec identity: leave codecID unset so
		// CodecDataChanged keeps reporting a change, and keep waiting
		// for another keyframe instead of latching into a hard error.
		p.emitError(ErrorConfigureFailed, err)
		p.mu.Lock()
		p.codecID = nil
		p.waitingForKeyframe = true
		p.state = p.desiredState
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.codecID = &identity
	p.waitingForKeyframe = false
	p.state = p.desiredState
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	p.submitToDecoder(parsed)
	for _, q := range queued {
		p.submitToDecoder(q.parsed)
	}
}

func (p *Player) submitToDecoder(parsed *wire.ParsedPacket) {
	p.mu.Lock()
	tb := p.videoTimebase
	p.mu.Unlock()

	tsUs := codecid.RescaleTime(parsed.Header.PTS, tb, codecid.Microsecond)

	p.mu.Lock()
	p.arrivals[int64(tsUs)] = pendingArrival{at: time.Now(), isKeyframe: parsed.Header.IsKeyframe()}
	p.mu.Unlock()

	if err := p.dec.Decode(parsed, tb); err != nil {
		p.emitError(ErrorFatal, err)
	}
}

func (p *Player) onDecodedFrame(frame *mediatypes.DecodedFrame) {
	p.mu.Lock()
	arr, ok := p.arrivals[frame.TimestampUs]
	if ok {
		delete(p.arrivals, frame.TimestampUs)
	}
	p.mu.Unlock()

	now := time.Now()
	arrivalAt := arr.at
	if !ok {
		arrivalAt = now
	}

	p.sched.Enqueue(frame, frame.TimestampUs, scheduler.Timing{
		ArrivalUs: arrivalAt.UnixMicro(),
		DecodeUs:  now.UnixMicro(),
	}, arr.isKeyframe)
}

func (p *Player) onDecoderOverflow(queueSize int) {
	p.log.Warn("decoder queue overflow", "queue_size", queueSize)
	if err := p.dec.Flush(); err != nil && !errors.Is(err, decoder.ErrNotConfigured) {
		p.log.Warn("flush after overflow failed", "error", err)
	}
	p.sched.Clear()
	p.mu.Lock()
	p.waitingForKeyframe = true
	p.mu.Unlock()
	p.requestKeyframeThrottled()
}

func (p *Player) onSchedulerDrop(frame scheduler.Frame, reason scheduler.DropReason) {
	if df, ok := frame.(*mediatypes.DecodedFrame); ok && df != nil {
		df.Close()
	}
}

// requestKeyframeThrottled asks the source for a keyframe at most once
// per second, collapsing concurrent callers (e.g. overflow and
// wait-for-keyframe both firing around the same arrival) into a single
// in-flight request.
func (p *Player) requestKeyframeThrottled() {
	p.mu.Lock()
	now := time.Now()
	if now.Sub(p.lastKeyframeReq) < keyframeRequestInterval {
		p.mu.Unlock()
		return
	}
	p.lastKeyframeReq = now
	p.mu.Unlock()

	go func() {
		_, err, _ := p.sf.Do("keyframe", func() (any, error) {
			return nil, p.source.RequestKeyframe()
		})
		if err != nil && !errors.Is(err, transport.ErrNotSupported) {
			p.log.Warn("keyframe request failed", "error", err)
		}
	}()
}

func (p *Player) emitError(kind ErrorKind, err error) {
	if err == nil {
		return
	}
	p.log.Error("player error", "kind", kind, "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(&Error{Kind: kind, Err: err})
	}
}
