// Command sesame-tool is a runnable demonstration of the container
// adapter, component G (file player), and component D (decoder harness) wired together
// against a local MPEG-TS file, in the spirit of cmd/prism's own small CLI
// surface. It is not a product surface: actual decoding, render surfaces,
// and device I/O remain out of scope, so the "decoder" here only exercises
// the file player's position-driven buffer instead of producing pixels.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sesame/internal/container"
	"github.com/zsiec/sesame/internal/decoder"
	"github.com/zsiec/sesame/internal/fileplayer"
	"github.com/zsiec/sesame/internal/mediatypes"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		path = flag.String("file", "", "path to an MPEG-TS file to play")
		loop = flag.Bool("loop", false, "loop playback instead of stopping at end of stream")
	)
	flag.Parse()

	if *path == "" {
		slog.Error("missing -file")
		os.Exit(1)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(rootCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	playMode := fileplayer.PlayOnce
	if *loop {
		playMode = fileplayer.PlayLoop
	}

	src := container.New(container.FileOpener(*path))
	player := fileplayer.New(fileplayer.Config{
		Source:           src,
		VideoBackends:    []decoder.Backend{newPassthroughBackend()},
		PreferredDecoder: decoder.KindSoftware,
		PlayMode:         playMode,
		OnError: func(err *fileplayer.Error) {
			slog.Error("player error", "kind", err.Kind, "error", err.Err)
		},
		OnLoop: func() {
			slog.Info("playback looped")
		},
	})
	defer player.Dispose()

	slog.Info("loading", "file", *path)
	if err := player.Load(ctx, *path); err != nil {
		slog.Error("load failed", "error", err)
		os.Exit(1)
	}

	desc := player.CodecDescription()
	slog.Info("loaded",
		"video_codec", desc.VideoCodec,
		"width", desc.Width,
		"height", desc.Height,
		"has_audio", desc.HasAudio,
		"duration_ms", desc.DurationMs,
	)

	player.Play()

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("stopping")
				return nil
			case <-ticker.C:
				snap := player.Snapshot()
				slog.Info("telemetry",
					"state", snap.State,
					"position_ms", snap.PositionMs,
					"duration_ms", snap.DurationMs,
					"buffered_frames", snap.BufferedFrames,
					"video_decoded", snap.VideoDecoded,
					"video_dropped", snap.VideoDropped,
				)
				if snap.State == fileplayer.StateEnded.String() {
					slog.Info("playback ended")
					cancel()
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("sesame-tool exited with error", "error", err)
		os.Exit(1)
	}
}

// passthroughBackend satisfies decoder.Backend without decoding anything:
// it hands each submitted chunk straight back as a zero-size DecodedFrame
// at the same timestamp, which is all the file player's buffer-ready
// barrier and position-driven frame selection need to be exercised end to
// end. A real backend belongs behind this same interface; it is out of
// scope here.
type passthroughBackend struct {
	onFrame func(*mediatypes.DecodedFrame)
	pending int
}

func newPassthroughBackend() *passthroughBackend { return &passthroughBackend{} }

func (b *passthroughBackend) Kind() decoder.Kind   { return decoder.KindSoftware }
func (b *passthroughBackend) Supports(string) bool { return true }

func (b *passthroughBackend) Configure(codec string, width, height uint16, onFrame func(*mediatypes.DecodedFrame)) error {
	b.onFrame = onFrame
	return nil
}

func (b *passthroughBackend) Decode(chunk mediatypes.EncodedChunk) error {
	if b.onFrame != nil {
		b.onFrame(&mediatypes.DecodedFrame{TimestampUs: chunk.TimestampUs, Release: func() {}})
	}
	return nil
}

func (b *passthroughBackend) PendingChunks() int { return b.pending }
func (b *passthroughBackend) Flush() error       { return nil }
func (b *passthroughBackend) Reset() error       { return nil }
func (b *passthroughBackend) Dispose() error     { return nil }
