// Package scrub implements ScrubCoordinator (spec §4.5): owns the set
// of per-clip ScrubWorkers active during a scrub gesture, the epoch
// lifecycle, velocity smoothing, and predicted-target computation.
// Grounded on zsiec/prism's Relay (distribution/relay.go), the closest
// teacher analogue of "one coordinator owning many per-viewer/per-clip
// workers behind a mutex"; the concurrent end-scrub fan-out uses
// golang.org/x/sync/errgroup exactly as cmd/prism/main.go does for its
// own startup fan-out.
package scrub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/landing"
	"github.com/zsiec/scrubcore/worker"
)

// Config tunes velocity smoothing, prediction, and hysteresis (spec §6).
type Config struct {
	PredictionFactor float64
	PredictionClamp  time.Duration

	VelocityRingSize      int
	VelocityAverageWindow time.Duration
	VelocityEMAAlpha      float64
	StateChangeHysteresis time.Duration

	EndScrubDeadline time.Duration
}

// DefaultConfig returns the spec's literal §6 defaults for this package.
func DefaultConfig() Config {
	return Config{
		PredictionFactor:      0.12,
		PredictionClamp:       500 * time.Millisecond,
		VelocityRingSize:      20,
		VelocityAverageWindow: 200 * time.Millisecond,
		VelocityEMAAlpha:      0.3,
		StateChangeHysteresis: 175 * time.Millisecond,
		EndScrubDeadline:      66 * time.Millisecond,
	}
}

// Metrics mirrors spec's ScrubMetrics record.
type Metrics struct {
	VelocityFPS float64
	Direction   frame.Direction
	State       frame.ScrubState
	Epoch       frame.Epoch
}

type velocitySample struct {
	at  time.Time
	fps float64
}

// WorkerHandle is the subset of worker.Worker the coordinator drives.
// Declared as an interface so tests can substitute a fake without
// spinning up real admission/rate-gate machinery.
type WorkerHandle interface {
	Start(ctx context.Context, epoch frame.Epoch, zone landing.Zone)
	Retarget(epoch frame.Epoch, zone landing.Zone)
	Stop(allowBackfill bool)
	DeadlineDecode(ctx context.Context, at float64, epoch frame.Epoch) (*frame.DecodedFrame, error)
}

// WorkerFactory constructs a WorkerHandle for clip, called once per
// clip at begin_scrub.
type WorkerFactory func(clip frame.ClipId) WorkerHandle

// Coordinator is ScrubCoordinator.
type Coordinator struct {
	cfg     Config
	clk     clock.Clock
	log     *slog.Logger
	sink    telemetry.Sink
	lzm     *landing.Manager
	newWork WorkerFactory

	mu            sync.Mutex
	epoch         frame.Epoch
	active        bool
	workers       map[frame.ClipId]WorkerHandle
	frameDuration float64

	samples    []velocitySample
	ema        float64
	haveEMA    bool
	state      frame.ScrubState
	direction  frame.Direction
	lastChange time.Time
	haveChange bool
	tPred      float64
}

// NewCoordinator constructs a Coordinator. If clk/log/sink are nil,
// sensible defaults are substituted.
func NewCoordinator(cfg Config, lzm *landing.Manager, newWork WorkerFactory, clk clock.Clock, log *slog.Logger, sink telemetry.Sink) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &Coordinator{
		cfg:     cfg,
		clk:     clk,
		log:     log.With("component", "scrub-coordinator"),
		sink:    sink,
		lzm:     lzm,
		newWork: newWork,
		workers: make(map[frame.ClipId]WorkerHandle),
	}
}

// Metrics returns a snapshot of the current scrub state.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{VelocityFPS: c.emaLocked(), Direction: c.direction, State: c.state, Epoch: c.epoch}
}

func (c *Coordinator) emaLocked() float64 {
	if !c.haveEMA {
		return 0
	}
	return c.ema
}

// BeginScrub bumps the epoch, starts one worker per clip, and computes
// the initial predicted target and landing zone for each.
func (c *Coordinator) BeginScrub(ctx context.Context, at float64, velocityFPS, frameDuration float64, clips []frame.ClipId) {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.active = true
	c.frameDuration = frameDuration
	c.samples = nil
	c.haveEMA = false
	c.state = frame.Idle
	c.haveChange = false
	for clip, w := range c.workers {
		w.Stop(false)
		delete(c.workers, clip)
	}
	for _, clip := range clips {
		c.workers[clip] = c.newWork(clip)
	}
	workers := make(map[frame.ClipId]WorkerHandle, len(c.workers))
	for clip, w := range c.workers {
		workers[clip] = w
	}
	c.mu.Unlock()

	c.recordVelocity(velocityFPS, at)
	tPred, direction, state := c.updateVelocityLocked(velocityFPS, at)

	zone := c.lzm.Compute(landing.Request{
		TPred:         tPred,
		VelocityFPS:   velocityFPS,
		Direction:     direction,
		FrameDuration: frameDuration,
	})
	for _, w := range workers {
		w.Start(ctx, epoch, zone)
	}

	c.sink.Emit(telemetry.Event{Name: telemetry.ScrubStateChange, Fields: map[string]any{
		"epoch": uint64(epoch), "state": state.String(), "direction": direction.String(),
	}, Timestamp: c.clk.Now()})
}

// UpdateScrub folds in a new velocity sample, recomputes the predicted
// target, and retargets every worker in place (no restart).
func (c *Coordinator) UpdateScrub(ctx context.Context, at float64, velocityFPS float64) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	frameDuration := c.frameDuration
	workers := make(map[frame.ClipId]WorkerHandle, len(c.workers))
	for clip, w := range c.workers {
		workers[clip] = w
	}
	c.mu.Unlock()

	c.recordVelocity(velocityFPS, at)
	tPred, direction, _ := c.updateVelocityLocked(velocityFPS, at)

	zone := c.lzm.Compute(landing.Request{
		TPred:         tPred,
		VelocityFPS:   velocityFPS,
		Direction:     direction,
		FrameDuration: frameDuration,
	})
	for _, w := range workers {
		w.Retarget(epoch, zone)
	}
}

// EndScrub issues a concurrent deadline_decode to every worker for the
// exact final time, stops each worker with backfill allowed, then
// clears state and resets metrics to Idle (spec §4.5).
func (c *Coordinator) EndScrub(ctx context.Context, at float64) {
	c.mu.Lock()
	epoch := c.epoch
	workers := make(map[frame.ClipId]WorkerHandle, len(c.workers))
	for clip, w := range c.workers {
		workers[clip] = w
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.EndScrubDeadline)
	g, gctx := errgroup.WithContext(dctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			_, _ = w.DeadlineDecode(gctx, at, epoch)
			return nil
		})
	}
	_ = g.Wait()
	cancel()

	for _, w := range workers {
		w.Stop(true)
	}

	c.mu.Lock()
	c.active = false
	c.workers = make(map[frame.ClipId]WorkerHandle)
	c.state = frame.Idle
	c.direction = frame.Forward
	c.haveEMA = false
	c.samples = nil
	c.mu.Unlock()

	c.sink.Emit(telemetry.Event{Name: telemetry.ScrubStateChange, Fields: map[string]any{
		"epoch": uint64(epoch), "state": frame.Idle.String(),
	}, Timestamp: c.clk.Now()})
}

// recordVelocity appends a sample to the 20-entry ring (spec §4.5),
// dropping the oldest once full.
func (c *Coordinator) recordVelocity(fps float64, at float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := c.cfg.VelocityRingSize
	if size <= 0 {
		size = 20
	}
	c.samples = append(c.samples, velocitySample{at: c.clk.Now(), fps: fps})
	if len(c.samples) > size {
		c.samples = c.samples[len(c.samples)-size:]
	}
}

// updateVelocityLocked averages samples within the last
// VelocityAverageWindow, derives direction/state with hysteresis, folds
// the average into an EMA, and returns the clamped predicted target.
func (c *Coordinator) updateVelocityLocked(instantFPS, at float64) (float64, frame.Direction, frame.ScrubState) {
	c.mu.Lock()
	now := c.clk.Now()
	window := c.cfg.VelocityAverageWindow
	var sum float64
	var n int
	for _, s := range c.samples {
		if now.Sub(s.at) <= window {
			sum += s.fps
			n++
		}
	}
	avg := instantFPS
	if n > 0 {
		avg = sum / float64(n)
	}

	alpha := c.cfg.VelocityEMAAlpha
	if !c.haveEMA {
		c.ema = avg
		c.haveEMA = true
	} else {
		c.ema = alpha*avg + (1-alpha)*c.ema
	}

	newDirection := frame.DirectionOf(c.ema)
	newState := frame.StateFor(c.ema)

	wouldChange := newState != c.state || newDirection != c.direction
	hysteresisElapsed := !c.haveChange || now.Sub(c.lastChange) >= c.cfg.StateChangeHysteresis
	var coalesced bool
	fromState := c.state
	sinceLastChange := now.Sub(c.lastChange)
	if hysteresisElapsed && wouldChange {
		c.state = newState
		c.direction = newDirection
		c.lastChange = now
		c.haveChange = true
	} else if !hysteresisElapsed && wouldChange {
		coalesced = true
	}

	direction := c.direction
	state := c.state
	ema := c.ema
	c.mu.Unlock()

	if coalesced {
		c.sink.Emit(telemetry.Event{Name: telemetry.Coalesce, Fields: map[string]any{
			"from_state": fromState.String(), "would_be_state": newState.String(),
			"since_last_change": sinceLastChange,
		}, Timestamp: now})
	}

	tPred := predictedTarget(at, ema, c.cfg.PredictionFactor, c.cfg.PredictionClamp)

	c.mu.Lock()
	c.tPred = tPred
	c.mu.Unlock()

	return tPred, direction, state
}

// predictedTarget implements spec §4.5: t_pred = t_now + clamp(v ×
// factor, -clamp, +clamp).
func predictedTarget(at, velocityFPS, factor float64, clampDur time.Duration) float64 {
	clampSec := clampDur.Seconds()
	offset := velocityFPS * factor
	if offset > clampSec {
		offset = clampSec
	}
	if offset < -clampSec {
		offset = -clampSec
	}
	t := at + offset
	if t < 0 {
		t = 0
	}
	return t
}

var _ WorkerHandle = (*worker.Worker)(nil)
