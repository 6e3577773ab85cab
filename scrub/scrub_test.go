package scrub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/landing"
)

type fakeWorker struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	backfill  bool
	epoch     frame.Epoch
	zone      landing.Zone
	retargets int
	deadlines int
}

func (f *fakeWorker) Start(ctx context.Context, epoch frame.Epoch, zone landing.Zone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.epoch = epoch
	f.zone = zone
}

func (f *fakeWorker) Retarget(epoch frame.Epoch, zone landing.Zone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retargets++
	f.epoch = epoch
	f.zone = zone
}

func (f *fakeWorker) Stop(allowBackfill bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.backfill = allowBackfill
}

func (f *fakeWorker) DeadlineDecode(ctx context.Context, at float64, epoch frame.Epoch) (*frame.DecodedFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines++
	return &frame.DecodedFrame{PTS: at}, nil
}

func landingManager() *landing.Manager {
	return landing.NewManager(landing.Config{
		AdaptiveMult:     0.5,
		AdaptiveMin:      2,
		AdaptiveMax:      12,
		MaxWarmWindowSec: 2.0,
		ReverseLZFrames:  5,
		ForwardLZFrames:  2,
	})
}

func TestBeginScrubBumpsEpochAndStartsWorkers(t *testing.T) {
	t.Parallel()
	workers := map[frame.ClipId]*fakeWorker{}
	factory := func(clip frame.ClipId) WorkerHandle {
		w := &fakeWorker{}
		workers[clip] = w
		return w
	}
	c := NewCoordinator(DefaultConfig(), landingManager(), factory, clock.NewFake(time.Unix(0, 0)), nil, telemetry.Noop{})

	c.BeginScrub(context.Background(), 5.0, 20, 1.0/30, []frame.ClipId{"a", "b"})

	if len(workers) != 2 {
		t.Fatalf("expected 2 workers started, got %d", len(workers))
	}
	for clip, w := range workers {
		if !w.started {
			t.Fatalf("worker %s not started", clip)
		}
		if w.epoch != 1 {
			t.Fatalf("worker %s epoch = %d, want 1", clip, w.epoch)
		}
	}
	if c.Metrics().Epoch != 1 {
		t.Fatalf("coordinator epoch = %d, want 1", c.Metrics().Epoch)
	}
}

func TestUpdateScrubRetargetsWithoutRestart(t *testing.T) {
	t.Parallel()
	var w fakeWorker
	factory := func(frame.ClipId) WorkerHandle { return &w }
	c := NewCoordinator(DefaultConfig(), landingManager(), factory, clock.NewFake(time.Unix(0, 0)), nil, telemetry.Noop{})

	c.BeginScrub(context.Background(), 0, 5, 1.0/30, []frame.ClipId{"a"})
	c.UpdateScrub(context.Background(), 1.0, 25)

	if w.retargets != 1 {
		t.Fatalf("retargets = %d, want 1", w.retargets)
	}
	if w.stopped {
		t.Fatalf("worker must not be stopped by update_scrub")
	}
}

func TestEndScrubDeadlineDecodesThenStopsWithBackfill(t *testing.T) {
	t.Parallel()
	workers := map[frame.ClipId]*fakeWorker{}
	factory := func(clip frame.ClipId) WorkerHandle {
		w := &fakeWorker{}
		workers[clip] = w
		return w
	}
	c := NewCoordinator(DefaultConfig(), landingManager(), factory, clock.NewFake(time.Unix(0, 0)), nil, telemetry.Noop{})
	c.BeginScrub(context.Background(), 0, 10, 1.0/30, []frame.ClipId{"a", "b"})

	c.EndScrub(context.Background(), 3.0)

	for clip, w := range workers {
		if w.deadlines != 1 {
			t.Fatalf("worker %s deadline decodes = %d, want 1", clip, w.deadlines)
		}
		if !w.stopped || !w.backfill {
			t.Fatalf("worker %s must be stopped with backfill", clip)
		}
	}
	if c.Metrics().State != frame.Idle {
		t.Fatalf("state after end_scrub = %v, want Idle", c.Metrics().State)
	}
}

func TestPredictedTargetClampsAndNeverNegative(t *testing.T) {
	t.Parallel()
	got := predictedTarget(0, 1000, 0.12, 500*time.Millisecond)
	if got != 0.5 {
		t.Fatalf("predictedTarget = %v, want clamp to 0.5", got)
	}
	got = predictedTarget(0.1, -1000, 0.12, 500*time.Millisecond)
	if got != 0 {
		t.Fatalf("predictedTarget = %v, want clamp to 0 (non-negative)", got)
	}
}

func TestStateChangeHysteresisSuppressesRapidFlicker(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewCoordinator(DefaultConfig(), landingManager(), nil, clk, nil, telemetry.Noop{})

	c.mu.Lock()
	c.haveEMA = true
	c.ema = 40
	c.state = frame.Fast
	c.direction = frame.Forward
	c.lastChange = clk.Now()
	c.haveChange = true
	c.mu.Unlock()

	clk.Advance(10 * time.Millisecond) // well under the 175ms hysteresis
	c.updateVelocityLocked(2, 0.01)    // EMA would drop to Medium territory

	if c.Metrics().State != frame.Fast {
		t.Fatalf("state flipped before hysteresis elapsed: got %v, want Fast", c.Metrics().State)
	}

	clk.Advance(200 * time.Millisecond) // now past the hysteresis window
	c.updateVelocityLocked(2, 0.21)

	if c.Metrics().State == frame.Fast {
		t.Fatalf("state should have transitioned after hysteresis elapsed")
	}
}
