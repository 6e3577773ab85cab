// Command scrubd is a manual smoke-test harness for the scrub/playback
// scheduler: it wires a ScrubCoordinator and a FramePipeline over a
// synthetic WindowedReader (no real decoder is available outside an
// editor host) and drives them from simple stdin commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/history"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/config"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/landing"
	"github.com/zsiec/scrubcore/pipeline"
	"github.com/zsiec/scrubcore/proxy"
	"github.com/zsiec/scrubcore/reader"
	"github.com/zsiec/scrubcore/scrub"
	"github.com/zsiec/scrubcore/timeline"
	"github.com/zsiec/scrubcore/worker"
)

var version = "dev"

// syntheticFrame is a stand-in decoder handle: a fixed 1080p YUV 4:2:0
// byte footprint so the cache's byte-budgeted eviction has something
// real to work against in the demo.
type syntheticFrame struct {
	pts float64
}

func (syntheticFrame) ByteSize() int64 { return 1920 * 1080 * 3 / 2 }

var _ frame.SizedHandle = syntheticFrame{}

// syntheticDecoder stands in for the external decoder/codec bindings
// that spec §1 places out of scope: it manufactures one RawFrame per
// frame-duration tick across the requested window.
type syntheticDecoder struct {
	frameDuration float64
}

func (d *syntheticDecoder) DecodeWindow(ctx context.Context, from, to float64) ([]reader.RawFrame, error) {
	var out []reader.RawFrame
	for t := from; t <= to; t += d.frameDuration {
		out = append(out, reader.RawFrame{PTS: t, Handle: syntheticFrame{pts: t}})
	}
	return out, nil
}

type noopExporter struct{}

func (noopExporter) Export(ctx context.Context, req proxy.ExportRequest) (string, error) {
	return fmt.Sprintf("/tmp/proxy_%s_%d.mov", req.Clip, req.Zone.Bucket), nil
}

func (noopExporter) Remove(path string) error { return nil }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type app struct {
	coord *scrub.Coordinator
	pipe  *pipeline.Pipeline
	rd    reader.WindowedReader
	hist  *history.Manager
	pxy   *proxy.Manager
	cfgd  float64
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	frameDuration := 1.0 / 30

	sink := telemetry.NewSlogSink(nil)
	clk := clock.Real{}
	rd := reader.NewGOPReader(&syntheticDecoder{frameDuration: frameDuration}, cfg.ReaderWindow.Seconds(), frameDuration/4, nil)

	hist := history.NewManager(history.Config{
		ByteBudget:         cfg.CacheBytesBudget,
		BiasWindowFrames:   cfg.CacheBiasFrames,
		FrameDuration:      frameDuration,
		ByteWeight:         cfg.ByteWeight,
		ScrubPriorityBoost: cfg.ScrubPriorityBoost,
		MaxAgeSec:          cfg.MaxAgeSec,
	}, clk, nil)

	pxy := proxy.NewManager(proxy.Config{
		MaxZones:            cfg.MaxZones,
		ZoneTTL:             cfg.ZoneTTL,
		BucketSpanMs:        cfg.BucketSpanMs,
		LateFrameThreshold:  cfg.LateFrameThreshold,
		LateFrameWindowMs:   cfg.LateFrameWindowMs,
		ProxyExportMarginMs: cfg.ProxyExportMarginMs,
	}, noopExporter{}, clk, nil, sink)

	pool := worker.NewPool(worker.Config{
		MaxInFlightPerClip:              cfg.MaxInFlightPerClip,
		MaxInFlightBurstPerClip:         cfg.MaxInFlightBurstPerClip,
		BurstDuration:                   cfg.BurstDuration,
		MaxConcurrentDecodes:            cfg.MaxConcurrentDecodes,
		ForwardMinInterval:              cfg.ForwardMinInterval,
		ReverseMinInterval:              cfg.ReverseMinInterval,
		ReverseRescueThreshold:          cfg.ReverseRescueThreshold,
		ReverseCriticalSlotsPerClip:     cfg.ReverseCriticalSlotsPerClip,
		ReverseGlobalSlack:              cfg.ReverseGlobalSlack,
		AdmissionNeverCancelRunning:     cfg.AdmissionNeverCancelRunning,
		ReverseRateGateOverrideCount:    cfg.ReverseRateGateOverrideCount,
		ReverseRateGateOverrideCooldown: cfg.ReverseRateGateOverrideCooldown,
		ReverseFailureRecoveryThreshold: cfg.ReverseFailureRecoveryThreshold,
		ReverseFailureBackoff:           cfg.ReverseFailureBackoff,
		ReverseFailureMaxBackoff:        cfg.ReverseFailureMaxBackoff,
		ReverseWatchdogTimeout:          cfg.ReverseWatchdogTimeout,
		StopDeadlineTarget:              cfg.StopDeadlineTarget,
		DecoderMalfunctionRetries:       cfg.DecoderMalfunctionRetries,
		DecoderMalfunctionSleep:         cfg.DecoderMalfunctionSleep,
	})

	lzm := landing.NewManager(landing.Config{
		AdaptiveMult:     cfg.AdaptiveLZMult,
		AdaptiveMin:      cfg.AdaptiveLZMin,
		AdaptiveMax:      cfg.AdaptiveLZMax,
		MaxWarmWindowSec: cfg.MaxWarmWindowSec,
		ReverseLZFrames:  cfg.ReverseLZFrames,
		ForwardLZFrames:  cfg.ForwardLZFrames,
	})

	factory := func(clip frame.ClipId) scrub.WorkerHandle {
		return pool.NewWorker(clip, rd, hist, sink, pxy, nil, clk, nil)
	}

	scrubCfg := scrub.DefaultConfig()
	scrubCfg.PredictionFactor = cfg.PredictionFactor
	scrubCfg.PredictionClamp = cfg.PredictionClamp
	scrubCfg.VelocityEMAAlpha = cfg.VelocityEMAAlpha
	scrubCfg.StateChangeHysteresis = cfg.StateChangeHysteresis
	scrubCfg.EndScrubDeadline = cfg.StopDeadlineTarget

	coord := scrub.NewCoordinator(scrubCfg, lzm, factory, clk, nil, sink)

	pc := timeline.NewPlaybackClock()
	ticker := timeline.NewTimelineTicker(pc, clk, nil, sink)
	pipe := pipeline.New(pc, clk, nil, sink)

	a := &app{coord: coord, pipe: pipe, rd: rd, hist: hist, pxy: pxy, cfgd: frameDuration}

	slog.Info("scrubd starting", "version", version, "debug_port", envOr("DEBUG_PORT", ""))

	ticker.Start(0, 1.0, nil)
	defer ticker.Stop()

	a.repl(ctx)
}

// repl drives stdin-triggered gestures: "begin <time> <velocity>
// <clip...>", "scrub <time> <velocity>", "play <clip>", "stop", "end",
// "quit".
func (a *app) repl(ctx context.Context) {
	fmt.Println("scrubd ready. commands: begin <time> <velocity> <clip...>, scrub <time> <velocity>, play <clip>, stop, end, quit")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "scrub":
			if len(fields) < 3 {
				fmt.Println("usage: scrub <time> <velocity>")
				continue
			}
			at, _ := strconv.ParseFloat(fields[1], 64)
			v, _ := strconv.ParseFloat(fields[2], 64)
			a.coord.UpdateScrub(ctx, at, v)
			m := a.coord.Metrics()
			fmt.Printf("state=%v direction=%v velocity=%.1ffps\n", m.State, m.Direction, m.VelocityFPS)
		case "begin":
			if len(fields) < 4 {
				fmt.Println("usage: begin <time> <velocity> <clip...>")
				continue
			}
			at, _ := strconv.ParseFloat(fields[1], 64)
			v, _ := strconv.ParseFloat(fields[2], 64)
			var clips []frame.ClipId
			for _, c := range fields[3:] {
				clips = append(clips, frame.ClipId(c))
			}
			a.coord.BeginScrub(ctx, at, v, a.cfgd, clips)
		case "play":
			if len(fields) < 2 {
				fmt.Println("usage: play <clip>")
				continue
			}
			clip := frame.ClipId(fields[1])
			a.pipe.Start(ctx, clip, a.rd, a.hist, pipeline.ClipRange{Lo: 0, Hi: 3600}, a.cfgd)
		case "stop":
			a.pipe.StopAll()
		case "end":
			a.coord.EndScrub(ctx, 0)
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}
}
