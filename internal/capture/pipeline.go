package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/zsiec/ccx"

	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

// EncodedSample is what an Encoder hands back through its OnChunk
// callback: one encoded access unit ready to be wrapped in a wire header
// and packet.
type EncodedSample struct {
	PTSUs      int64
	IsKeyframe bool
	Data       []byte
}

// EncoderConfig configures an Encoder: codec, resolution, bitrate, frame
// rate, and keyframe interval for video; sample rate, channels, and bit
// depth for audio.
type EncoderConfig struct {
	CodecType wire.CodecType

	Width  uint16
	Height uint16

	SampleRate uint32
	Channels   uint8
	BitDepth   uint8

	CodecProfile uint16
	CodecLevel   uint16

	BitrateBps             int
	FrameRateFPS           int
	KeyframeIntervalFrames int

	TimebaseNum uint32
	TimebaseDen uint32

	OnChunk func(EncodedSample)
}

// Encoder is the external collaborator a concrete video or audio encoder
// satisfies (spec.md §4.H's "camera/mic → encoder"). Mirrors
// decoder.Backend's shape for the write side: Configure installs the
// chunk callback, RequestKeyframe asks for one at the next opportunity.
type Encoder interface {
	Configure(cfg EncoderConfig) error
	RequestKeyframe() error
	Reset() error
	Dispose() error
}

const (
	defaultVideoTrack   = "video"
	defaultAudioTrack   = "audio"
	defaultCaptionTrack = "captions"
)

// Config configures a Pipeline.
type Config struct {
	VideoEncoder Encoder
	AudioEncoder Encoder
	Sink         transport.Sink

	VideoTrack   string
	AudioTrack   string
	CaptionTrack string

	// AudioTimestampOffsetUs is added to every audio sample's PTS before
	// it is wired out, aligning an audio encoder whose clock starts later
	// or earlier than the video encoder's (spec.md §4.H).
	AudioTimestampOffsetUs int64

	Logger  *slog.Logger
	OnError func(error)
}

// Pipeline drives component H: it wraps one or two Encoders, packetizes
// their output with internal/wire, and sinks the result through a
// transport.Sink.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	videoCodecData  wire.CodecData
	audioCodecData  wire.CodecData
	videoConfigured bool
	audioConfigured bool
}

// New builds a Pipeline. Call ConfigureVideo and/or ConfigureAudio for
// each track in use, then Start.
func New(cfg Config) *Pipeline {
	if cfg.VideoTrack == "" {
		cfg.VideoTrack = defaultVideoTrack
	}
	if cfg.AudioTrack == "" {
		cfg.AudioTrack = defaultAudioTrack
	}
	if cfg.CaptionTrack == "" {
		cfg.CaptionTrack = defaultCaptionTrack
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg, log: log.With("component", "capture")}
}

// ConfigureVideo configures the video encoder and remembers the CodecData
// block every subsequent video packet will carry.
func (p *Pipeline) ConfigureVideo(cfg EncoderConfig) error {
	if p.cfg.VideoEncoder == nil {
		return fmt.Errorf("capture: no video encoder configured")
	}
	cfg.OnChunk = p.onVideoChunk
	if err := p.cfg.VideoEncoder.Configure(cfg); err != nil {
		return fmt.Errorf("capture: configure video encoder: %w", err)
	}

	p.mu.Lock()
	p.videoCodecData = wire.CodecData{
		TimebaseNum:  cfg.TimebaseNum,
		TimebaseDen:  cfg.TimebaseDen,
		CodecProfile: cfg.CodecProfile,
		CodecLevel:   cfg.CodecLevel,
		Width:        cfg.Width,
		Height:       cfg.Height,
		CodecType:    cfg.CodecType,
	}
	p.videoConfigured = true
	p.mu.Unlock()

	p.log.Info("video encoder configured", "codec", cfg.CodecType, "width", cfg.Width, "height", cfg.Height)
	return nil
}

// ConfigureAudio configures the audio encoder and remembers the CodecData
// block every subsequent audio packet will carry.
func (p *Pipeline) ConfigureAudio(cfg EncoderConfig) error {
	if p.cfg.AudioEncoder == nil {
		return fmt.Errorf("capture: no audio encoder configured")
	}
	cfg.OnChunk = p.onAudioChunk
	if err := p.cfg.AudioEncoder.Configure(cfg); err != nil {
		return fmt.Errorf("capture: configure audio encoder: %w", err)
	}

	p.mu.Lock()
	p.audioCodecData = wire.CodecData{
		SampleRate:   cfg.SampleRate,
		TimebaseNum:  cfg.TimebaseNum,
		TimebaseDen:  cfg.TimebaseDen,
		CodecProfile: cfg.CodecProfile,
		CodecLevel:   cfg.CodecLevel,
		CodecType:    cfg.CodecType,
		Channels:     cfg.Channels,
		BitDepth:     cfg.BitDepth,
	}
	p.audioConfigured = true
	p.mu.Unlock()

	p.log.Info("audio encoder configured", "codec", cfg.CodecType, "sample_rate", cfg.SampleRate)
	return nil
}

// Start connects the sink and wires the far end's keyframe-request signal
// back to the video encoder.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.cfg.Sink.Connect(ctx); err != nil {
		return fmt.Errorf("capture: connect sink: %w", err)
	}
	p.cfg.Sink.OnRequestKeyframe(p.handleKeyframeRequest)
	return nil
}

// handleKeyframeRequest asks the video encoder to emit a keyframe at the
// next opportunity. Session sinks reset their video group state
// automatically: the next packet carries IsKeyframe once the encoder
// honors the request, which the group-boundary policy already treats as
// a new-group trigger, so no separate reset call is needed here.
func (p *Pipeline) handleKeyframeRequest() {
	if p.cfg.VideoEncoder == nil {
		return
	}
	if err := p.cfg.VideoEncoder.RequestKeyframe(); err != nil {
		p.emitError(fmt.Errorf("capture: request keyframe: %w", err))
	}
}

func (p *Pipeline) onVideoChunk(sample EncodedSample) {
	flags := wire.FlagHasCodecData
	if sample.IsKeyframe {
		flags |= wire.FlagIsKeyframe
	}

	p.mu.Lock()
	cd := p.videoCodecData
	p.mu.Unlock()

	header := wire.Header{Flags: flags, PTS: uint64(sample.PTSUs), Type: wire.TypeVideoFrame}
	buf, err := wire.Serialize(header, "", &cd, sample.Data)
	if err != nil {
		p.emitError(fmt.Errorf("capture: serialize video packet: %w", err))
		return
	}

	if err := p.cfg.Sink.Send(p.cfg.VideoTrack, transport.SerializedPacket{
		Bytes:      buf,
		IsKeyframe: sample.IsKeyframe,
		TSUs:       sample.PTSUs,
		Kind:       transport.StreamVideo,
	}); err != nil {
		p.emitError(fmt.Errorf("capture: send video packet: %w", err))
	}
}

func (p *Pipeline) onAudioChunk(sample EncodedSample) {
	ptsUs := sample.PTSUs + p.cfg.AudioTimestampOffsetUs

	p.mu.Lock()
	cd := p.audioCodecData
	p.mu.Unlock()

	// Every audio access unit is independently decodable, unlike video's
	// GOP structure, so the keyframe flag is always set: it is what lets
	// the group-boundary policy start a fresh group on the configured
	// cadence without waiting for anything encoder-side.
	header := wire.Header{Flags: wire.FlagHasCodecData | wire.FlagIsKeyframe, PTS: uint64(ptsUs), Type: wire.TypeAudioFrame}
	buf, err := wire.Serialize(header, "", &cd, sample.Data)
	if err != nil {
		p.emitError(fmt.Errorf("capture: serialize audio packet: %w", err))
		return
	}

	if err := p.cfg.Sink.Send(p.cfg.AudioTrack, transport.SerializedPacket{
		Bytes:      buf,
		IsKeyframe: true,
		TSUs:       ptsUs,
		Kind:       transport.StreamAudio,
	}); err != nil {
		p.emitError(fmt.Errorf("capture: send audio packet: %w", err))
	}
}

// SendCaption sends a caption frame on the auxiliary data track. It
// bypasses the wire codec entirely, per spec.md §4.C's SendData and
// §4.H's "every send starts a new group" policy: the payload is a varint-
// prefixed channel and PTS followed by the raw caption text, the same
// timestamp-then-payload convention distribution/moq_writer.go's
// WriteCaptionFrame uses for MoQ caption objects, simplified to one field
// set since this module does not frame MoQ objects itself.
func (p *Pipeline) SendCaption(frame *ccx.CaptionFrame) error {
	buf := quicvarint.Append(nil, uint64(frame.Channel))
	buf = quicvarint.Append(buf, uint64(frame.PTS))
	buf = append(buf, []byte(frame.Text)...)

	if err := p.cfg.Sink.SendData(p.cfg.CaptionTrack, buf); err != nil {
		return fmt.Errorf("capture: send caption: %w", err)
	}
	return nil
}

func (p *Pipeline) emitError(err error) {
	p.log.Error("capture pipeline error", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// Stop disconnects the sink and disposes both encoders.
func (p *Pipeline) Stop() error {
	var firstErr error
	if p.cfg.VideoEncoder != nil {
		if err := p.cfg.VideoEncoder.Dispose(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("capture: dispose video encoder: %w", err)
		}
	}
	if p.cfg.AudioEncoder != nil {
		if err := p.cfg.AudioEncoder.Dispose(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("capture: dispose audio encoder: %w", err)
		}
	}
	if err := p.cfg.Sink.Dispose(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("capture: dispose sink: %w", err)
	}
	return firstErr
}
