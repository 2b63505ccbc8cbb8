package fileplayer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/sesame/internal/decoder"
	"github.com/zsiec/sesame/internal/mediatypes"
)

// State is the file player's state machine position.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// PlayMode selects what happens once the last sample on every track has
// been fed and drained.
type PlayMode int

const (
	PlayOnce PlayMode = iota
	PlayLoop
)

// ErrorKind tags a file player error so callers can decide whether the
// failure is recoverable.
type ErrorKind int

const (
	ErrorLoadFailed ErrorKind = iota
	ErrorUnsupportedCodec
	ErrorConfigureFailed
	ErrorBufferTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorLoadFailed:
		return "load_failed"
	case ErrorUnsupportedCodec:
		return "unsupported_codec"
	case ErrorConfigureFailed:
		return "configure_failed"
	case ErrorBufferTimeout:
		return "buffer_timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("fileplayer: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const (
	defaultMaxDecoderQueue    = 10
	defaultAudioLookAheadMs   = 2000
	defaultMinBufferFrames    = 3
	defaultBufferReadyTimeout = 5 * time.Second
	feedPollInterval          = 5 * time.Millisecond
)

// Config configures a Player.
type Config struct {
	Source Source

	VideoBackends      []decoder.Backend
	AudioBackends      []decoder.Backend
	PreferredDecoder   decoder.Kind
	MaxDecoderQueue    int
	AudioLookAheadMs   int64
	MinBufferFrames    int
	BufferReadyTimeout time.Duration

	PlayMode    PlayMode
	EnableAudio bool

	Logger  *slog.Logger
	OnError func(*Error)
	OnLoop  func()
}

type bufferedFrame struct {
	frame *mediatypes.DecodedFrame
	tsMs  int64
}

// Player drives component G (spec.md §4.G): a Source pulled into a pair of
// decoder.Harness instances, paced by each decoder's pending-chunk count and
// the audio look-ahead window, with decoded video exposed through a
// position-driven, insertion-sorted frame buffer.
type Player struct {
	cfg Config
	log *slog.Logger

	videoDec *decoder.Harness
	audioDec *decoder.Harness

	mu                  sync.Mutex
	state               State
	desc                CodecDescription
	playStartTime       time.Time
	playStartPositionMs int64
	videoBuf            []bufferedFrame
	lastDisplayed       *mediatypes.DecodedFrame
	bufferReady         chan struct{}
	bufferReadyClosed   bool
	videoEOF            bool
	audioEOF            bool
	pendingAudio        *mediatypes.Sample

	feedCancel context.CancelFunc
	feedWG     sync.WaitGroup
}

// New builds a Player. Call Load to open a source and begin feeding.
func New(cfg Config) *Player {
	if cfg.MaxDecoderQueue == 0 {
		cfg.MaxDecoderQueue = defaultMaxDecoderQueue
	}
	if cfg.AudioLookAheadMs == 0 {
		cfg.AudioLookAheadMs = defaultAudioLookAheadMs
	}
	if cfg.MinBufferFrames == 0 {
		cfg.MinBufferFrames = defaultMinBufferFrames
	}
	if cfg.BufferReadyTimeout == 0 {
		cfg.BufferReadyTimeout = defaultBufferReadyTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fileplayer")

	p := &Player{cfg: cfg, log: log, state: StateIdle}

	p.videoDec = decoder.New(decoder.Config{
		Backends:     cfg.VideoBackends,
		MaxQueueSize: cfg.MaxDecoderQueue,
		OnFrame:      p.onDecodedVideoFrame,
		Logger:       log,
	})
	if cfg.EnableAudio {
		p.audioDec = decoder.New(decoder.Config{
			Backends:     cfg.AudioBackends,
			MaxQueueSize: cfg.MaxDecoderQueue,
			OnFrame:      func(f *mediatypes.DecodedFrame) { f.Close() },
			Logger:       log,
		})
	}

	return p
}

// State returns the player's current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CodecDescription returns the description reported by the most recent
// successful Load.
func (p *Player) CodecDescription() CodecDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// Telemetry is a point-in-time snapshot of the player's state, mirrored
// from scheduler.Telemetry's JSON-tagged shape for the same /debug-style
// use: cmd/sesame-tool prints one of these once a second.
type Telemetry struct {
	State          string `json:"state"`
	PositionMs     int64  `json:"position_ms"`
	DurationMs     int64  `json:"duration_ms"`
	BufferedFrames int    `json:"buffered_frames"`
	VideoDecoded   int64  `json:"video_decoded_chunks"`
	VideoDropped   int64  `json:"video_dropped_chunks"`
	AudioDecoded   int64  `json:"audio_decoded_chunks"`
	AudioDropped   int64  `json:"audio_dropped_chunks"`
}

// Snapshot returns the player's current telemetry.
func (p *Player) Snapshot() Telemetry {
	p.mu.Lock()
	state := p.state
	position := p.currentPositionMsLocked()
	duration := p.desc.DurationMs
	buffered := len(p.videoBuf)
	p.mu.Unlock()

	videoStats := p.videoDec.Snapshot()
	t := Telemetry{
		State:          state.String(),
		PositionMs:     position,
		DurationMs:     duration,
		BufferedFrames: buffered,
		VideoDecoded:   videoStats.DecodedChunks,
		VideoDropped:   videoStats.DroppedChunks,
	}
	if p.audioDec != nil {
		audioStats := p.audioDec.Snapshot()
		t.AudioDecoded = audioStats.DecodedChunks
		t.AudioDropped = audioStats.DroppedChunks
	}
	return t
}

// Load opens location through the configured Source, configures the video
// (and, if enabled, audio) decoder from what it reports, and blocks until
// either MinBufferFrames video frames have decoded or BufferReadyTimeout
// elapses. A partial buffer at timeout is accepted with a warning; an empty
// one fails with ErrorBufferTimeout, since it usually means the container is
// not laid out progressively enough for lazy feeding to keep up.
func (p *Player) Load(ctx context.Context, location string) error {
	p.mu.Lock()
	if p.state != StateIdle && p.state != StateEnded && p.state != StateError {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("fileplayer: Load called from state %s", state)
	}
	p.state = StateLoading
	p.bufferReady = make(chan struct{})
	p.bufferReadyClosed = false
	p.mu.Unlock()

	desc, err := p.cfg.Source.Load(ctx, location)
	if err != nil {
		p.setError(ErrorLoadFailed, err)
		return err
	}

	if err := p.videoDec.Configure(p.cfg.PreferredDecoder, desc.VideoCodec, desc.Width, desc.Height); err != nil {
		p.setError(ErrorUnsupportedCodec, err)
		return err
	}
	if p.cfg.EnableAudio && desc.HasAudio && p.audioDec != nil {
		if err := p.audioDec.Configure(p.cfg.PreferredDecoder, desc.AudioCodec, 0, 0); err != nil {
			p.log.Warn("audio decoder configure failed, continuing video-only", "codec", desc.AudioCodec, "error", err)
		}
	}

	p.mu.Lock()
	p.desc = desc
	p.videoBuf = nil
	p.videoEOF = false
	p.audioEOF = false
	p.pendingAudio = nil
	p.playStartPositionMs = 0
	p.playStartTime = time.Now()
	p.mu.Unlock()

	p.startFeedLoop()

	select {
	case <-p.bufferReady:
	case <-time.After(p.cfg.BufferReadyTimeout):
		p.mu.Lock()
		buffered := len(p.videoBuf)
		p.mu.Unlock()
		if buffered == 0 {
			err := fmt.Errorf("no frames decoded within %s; container may not be laid out progressively", p.cfg.BufferReadyTimeout)
			p.setError(ErrorBufferTimeout, err)
			return &Error{Kind: ErrorBufferTimeout, Err: err}
		}
		p.log.Warn("buffer-ready timeout reached with a partial buffer, proceeding", "buffered", buffered)
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.state = StateReady
	p.mu.Unlock()
	return nil
}

func (p *Player) startFeedLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	p.feedCancel = cancel
	p.feedWG.Add(1)
	go p.feedLoop(ctx)
}

// Play transitions to playing, recording the wall-clock instant playback
// resumed from so CurrentPositionMs can derive elapsed time.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady && p.state != StatePaused {
		return
	}
	p.playStartTime = time.Now()
	p.state = StatePlaying
}

// Pause freezes the current position and stops frame selection from
// advancing.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return
	}
	p.playStartPositionMs = p.currentPositionMsLocked()
	p.state = StatePaused
}

// CurrentPositionMs returns the player's wall-clock playback position.
func (p *Player) CurrentPositionMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPositionMsLocked()
}

func (p *Player) currentPositionMsLocked() int64 {
	if p.state != StatePlaying {
		return p.playStartPositionMs
	}
	return p.playStartPositionMs + time.Since(p.playStartTime).Milliseconds()
}

// GetVideoFrame returns the frame to display: outside the playing state it
// returns the last displayed frame unchanged; while playing it selects the
// latest buffered frame with ts_ms <= the current position, releasing every
// earlier buffered frame it skips over.
func (p *Player) GetVideoFrame() *mediatypes.DecodedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		return p.lastDisplayed
	}

	position := p.currentPositionMsLocked()
	idx := -1
	for i, bf := range p.videoBuf {
		if bf.tsMs > position {
			break
		}
		idx = i
	}
	if idx < 0 {
		return p.lastDisplayed
	}

	for i := 0; i < idx; i++ {
		p.videoBuf[i].frame.Close()
	}
	selected := p.videoBuf[idx].frame
	p.videoBuf = p.videoBuf[idx+1:]

	if p.lastDisplayed != nil && p.lastDisplayed != selected {
		p.lastDisplayed.Close()
	}
	p.lastDisplayed = selected
	return selected
}

// Seek jumps to the keyframe at or before targetMs: both decoders reset,
// the frame buffer is cleared, and feeding resumes from there. Returns the
// actual position landed on.
func (p *Player) Seek(ctx context.Context, targetMs int64) (int64, error) {
	actual, err := p.cfg.Source.SeekToKeyframe(ctx, targetMs)
	if err != nil {
		return 0, fmt.Errorf("fileplayer: seek: %w", err)
	}

	if err := p.videoDec.Reset(); err != nil {
		p.log.Warn("video decoder reset failed during seek", "error", err)
	}
	if p.audioDec != nil {
		if err := p.audioDec.Reset(); err != nil {
			p.log.Warn("audio decoder reset failed during seek", "error", err)
		}
	}

	p.mu.Lock()
	for _, bf := range p.videoBuf {
		bf.frame.Close()
	}
	p.videoBuf = nil
	if p.lastDisplayed != nil {
		p.lastDisplayed.Close()
		p.lastDisplayed = nil
	}
	p.videoEOF = false
	p.audioEOF = false
	p.pendingAudio = nil
	p.playStartPositionMs = actual
	p.playStartTime = time.Now()
	wasEnded := p.state == StateEnded
	if wasEnded {
		p.state = StatePaused
	}
	p.mu.Unlock()

	return actual, nil
}

// feedLoop polls the source and both decoders at a fixed interval: Source is
// pull-based (NextSample), not callback-driven like transport.Source, so
// there is no event to block on between samples becoming available.
func (p *Player) feedLoop(ctx context.Context) {
	defer p.feedWG.Done()
	ticker := time.NewTicker(feedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.feedOnce(ctx)
	}
}

func (p *Player) feedOnce(ctx context.Context) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	// Feeding must keep running during StateLoading too: that is what
	// fills the buffer Load is waiting on. Only a terminal or disposed
	// state stops it.
	if state == StateIdle || state == StateError {
		return
	}

	p.feedVideo()

	p.mu.Lock()
	position := p.currentPositionMsLocked()
	p.mu.Unlock()

	if p.cfg.EnableAudio && p.audioDec != nil {
		p.feedAudio(position)
	}

	p.mu.Lock()
	videoEOF := p.videoEOF
	audioEOF := !p.cfg.EnableAudio || p.audioDec == nil || p.audioEOF
	duration := p.desc.DurationMs
	position = p.currentPositionMsLocked()
	p.mu.Unlock()

	// Ended is a position event, not merely "feeding drained": a fully
	// preloaded track (fed faster than wall-clock consumes it) must still
	// wait for playback to actually reach the end before transitioning.
	if videoEOF && audioEOF && duration > 0 && position >= duration {
		p.handleEnd(ctx)
	}
}

func (p *Player) feedVideo() {
	p.mu.Lock()
	eof := p.videoEOF
	p.mu.Unlock()
	if eof {
		return
	}

	for {
		if p.videoDec.Snapshot().PendingChunks >= p.cfg.MaxDecoderQueue {
			return
		}
		sample, ok, err := p.cfg.Source.NextSample(mediatypes.TrackVideo)
		if err != nil {
			p.setError(ErrorLoadFailed, err)
			return
		}
		if !ok {
			p.mu.Lock()
			p.videoEOF = true
			p.mu.Unlock()
			return
		}
		if err := p.videoDec.DecodeSample(sample); err != nil {
			p.setError(ErrorConfigureFailed, err)
			return
		}
	}
}

// feedAudio feeds samples up to position+AudioLookAheadMs, holding back a
// fetched-but-not-yet-due sample in pendingAudio so the look-ahead bound
// can be checked without a peek operation on Source.
func (p *Player) feedAudio(positionMs int64) {
	for {
		p.mu.Lock()
		eof := p.audioEOF
		pending := p.pendingAudio
		p.mu.Unlock()
		if eof {
			return
		}

		if pending == nil {
			sample, ok, err := p.cfg.Source.NextSample(mediatypes.TrackAudio)
			if err != nil {
				p.setError(ErrorLoadFailed, err)
				return
			}
			if !ok {
				p.mu.Lock()
				p.audioEOF = true
				p.mu.Unlock()
				return
			}
			pending = &sample
		}

		if pending.TimestampMs > positionMs+p.cfg.AudioLookAheadMs {
			p.mu.Lock()
			p.pendingAudio = pending
			p.mu.Unlock()
			return
		}

		if p.audioDec.Snapshot().PendingChunks >= p.cfg.MaxDecoderQueue {
			p.mu.Lock()
			p.pendingAudio = pending
			p.mu.Unlock()
			return
		}

		if err := p.audioDec.DecodeSample(*pending); err != nil {
			p.setError(ErrorConfigureFailed, err)
			return
		}
		p.mu.Lock()
		p.pendingAudio = nil
		p.mu.Unlock()
	}
}

// handleEnd fires once playback position reaches the reported duration with
// both tracks exhausted. In play-once mode it moves to ended without
// releasing buffered frames; from then on GetVideoFrame returns only the
// last displayed frame, same as the live player's last displayed frame
// staying visible once its source disconnects.
func (p *Player) handleEnd(ctx context.Context) {
	p.mu.Lock()
	if p.state != StatePlaying && p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	mode := p.cfg.PlayMode
	p.mu.Unlock()

	if mode == PlayLoop {
		p.loopBack(ctx)
		return
	}

	p.mu.Lock()
	p.state = StateEnded
	p.mu.Unlock()
}

// loopBack resets position and both sample indices to the start without
// reconfiguring either decoder, since sample 0 is always a keyframe.
func (p *Player) loopBack(ctx context.Context) {
	actual, err := p.cfg.Source.SeekToKeyframe(ctx, 0)
	if err != nil {
		p.setError(ErrorLoadFailed, err)
		return
	}

	p.mu.Lock()
	for _, bf := range p.videoBuf {
		bf.frame.Close()
	}
	p.videoBuf = nil
	p.videoEOF = false
	p.audioEOF = false
	p.pendingAudio = nil
	p.playStartPositionMs = actual
	p.playStartTime = time.Now()
	p.mu.Unlock()

	if p.cfg.OnLoop != nil {
		p.cfg.OnLoop()
	}
}

func (p *Player) onDecodedVideoFrame(frame *mediatypes.DecodedFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tsMs := frame.TimestampUs / 1000
	idx := sort.Search(len(p.videoBuf), func(i int) bool { return p.videoBuf[i].tsMs > tsMs })
	p.videoBuf = append(p.videoBuf, bufferedFrame{})
	copy(p.videoBuf[idx+1:], p.videoBuf[idx:])
	p.videoBuf[idx] = bufferedFrame{frame: frame, tsMs: tsMs}

	if !p.bufferReadyClosed && len(p.videoBuf) >= p.cfg.MinBufferFrames {
		close(p.bufferReady)
		p.bufferReadyClosed = true
	}
}

func (p *Player) setError(kind ErrorKind, err error) {
	p.mu.Lock()
	alreadyClosed := p.bufferReadyClosed
	if !alreadyClosed && p.bufferReady != nil {
		close(p.bufferReady)
		p.bufferReadyClosed = true
	}
	p.state = StateError
	p.mu.Unlock()
	p.emitError(kind, err)
}

func (p *Player) emitError(kind ErrorKind, err error) {
	if err == nil {
		return
	}
	p.log.Error("fileplayer error", "kind", kind, "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(&Error{Kind: kind, Err: err})
	}
}

// Dispose stops the feed loop, releases buffered frames, and disposes both
// decoders and the underlying Source.
func (p *Player) Dispose() error {
	if p.feedCancel != nil {
		p.feedCancel()
	}
	p.feedWG.Wait()

	p.mu.Lock()
	for _, bf := range p.videoBuf {
		bf.frame.Close()
	}
	p.videoBuf = nil
	if p.lastDisplayed != nil {
		p.lastDisplayed.Close()
		p.lastDisplayed = nil
	}
	p.state = StateIdle
	p.mu.Unlock()

	if err := p.videoDec.Dispose(); err != nil {
		p.log.Warn("video decoder dispose failed", "error", err)
	}
	if p.audioDec != nil {
		if err := p.audioDec.Dispose(); err != nil {
			p.log.Warn("audio decoder dispose failed", "error", err)
		}
	}
	return p.cfg.Source.Dispose()
}
