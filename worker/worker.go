// Package worker implements ScrubWorker (spec §4.4): one decode worker
// per visible clip during a scrub, driving a WindowedReader through
// admission control, a rate gate, and epoch-based staleness checks.
// Grounded on zsiec/prism's per-connection goroutine lifecycle
// (ingest/srt/caller.go's Pull retry loop) for the retry/recovery-hook
// shape, and on golang.org/x/sync/semaphore (a teacher require) for
// admission control — the spec's "per-clip semaphore" and "global
// semaphore" map directly onto *semaphore.Weighted.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/history"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/scrubrr"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/landing"
	"github.com/zsiec/scrubcore/reader"
)

// Config tunes admission, rate gating, and failure handling (spec §6).
type Config struct {
	MaxInFlightPerClip      int
	MaxInFlightBurstPerClip int
	BurstDuration           time.Duration
	MaxConcurrentDecodes    int

	ForwardMinInterval time.Duration
	ReverseMinInterval time.Duration

	ReverseRescueThreshold      time.Duration
	ReverseCriticalSlotsPerClip int
	ReverseGlobalSlack          int
	AdmissionNeverCancelRunning bool

	ReverseRateGateOverrideCount    int
	ReverseRateGateOverrideCooldown time.Duration

	ReverseFailureRecoveryThreshold int
	ReverseFailureBackoff           time.Duration
	ReverseFailureMaxBackoff        time.Duration
	ReverseWatchdogTimeout          time.Duration

	StopDeadlineTarget time.Duration

	DecoderMalfunctionRetries int
	DecoderMalfunctionSleep   time.Duration
}

// SpotProxyRequester is the subset of SpotProxyManager a worker calls
// into on deadline failure or reverse watchdog timeout (spec §9
// supplement 3).
type SpotProxyRequester interface {
	EnsureSpotProxy(ctx context.Context, clip frame.ClipId, reason string)
}

// RecoveryHook is invoked after a decoder malfunction exhausts its
// retries (spec §9 supplement 2).
type RecoveryHook func(ctx context.Context, clip frame.ClipId) error

// Pool owns the admission primitives shared across every clip's Worker:
// the global concurrent-decode cap and the global reverse-rescue slack.
type Pool struct {
	cfg          Config
	global       *semaphore.Weighted
	rescueGlobal *semaphore.Weighted
}

// NewPool constructs a Pool sized per cfg.
func NewPool(cfg Config) *Pool {
	return &Pool{
		cfg:          cfg,
		global:       semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrentDecodes, 1))),
		rescueGlobal: semaphore.NewWeighted(int64(maxInt(cfg.ReverseGlobalSlack, 0))),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// NewWorker constructs a Worker bound to clip, drawing on the Pool's
// shared admission primitives.
func (p *Pool) NewWorker(clip frame.ClipId, rd reader.WindowedReader, hist *history.Manager, sink telemetry.Sink, spot SpotProxyRequester, recovery RecoveryHook, clk clock.Clock, log *slog.Logger) *Worker {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	rescueCap := int64(maxInt(p.cfg.ReverseCriticalSlotsPerClip, 0))
	return &Worker{
		clip:       clip,
		pool:       p,
		rd:         rd,
		hist:       hist,
		sink:       sink,
		spot:       spot,
		recovery:   recovery,
		clk:        clk,
		log:        log.With("component", "scrub-worker", "clip", string(clip)),
		rescueClip: semaphore.NewWeighted(rescueCap),
	}
}

// Worker is ScrubWorker: one per visible clip during a scrub.
type Worker struct {
	clip     frame.ClipId
	pool     *Pool
	rd       reader.WindowedReader
	hist     *history.Manager
	sink     telemetry.Sink
	spot     SpotProxyRequester
	recovery RecoveryHook
	clk      clock.Clock
	log      *slog.Logger

	rescueClip *semaphore.Weighted

	mu        sync.Mutex
	epoch     frame.Epoch
	zone      landing.Zone
	direction frame.Direction
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	inFlight   int
	burstUntil time.Time

	lastDecodeTime   time.Time
	haveLastDecode   bool
	blockedSince     time.Time
	haveBlockedSince bool
	reverseDenials   int
	overrideUntil    time.Time
	reverseFailures  int
	reverseBackoff   time.Duration
	lastSuccess      time.Time
	haveLastSuccess  bool
}

// Start begins the worker's decode loop under epoch, pursuing zone's
// priority list.
func (w *Worker) Start(ctx context.Context, epoch frame.Epoch, zone landing.Zone) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.epoch = epoch
	w.zone = zone
	w.direction = zone.Direction
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.reverseBackoff = w.pool.cfg.ReverseFailureBackoff
	w.mu.Unlock()

	go w.loop(loopCtx)
}

// Retarget re-aims the worker at a new zone without restarting it (spec
// §4.5 "no worker is restarted, the new target replaces the old").
func (w *Worker) Retarget(epoch frame.Epoch, zone landing.Zone) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.epoch = epoch
	w.zone = zone
	w.direction = zone.Direction
}

// Stop halts the decode loop. When allowBackfill is true the caller is
// expected to give any in-flight decode a brief grace period before
// forcing cancellation (spec §4.5 end_scrub); this implementation
// leaves the in-flight decode running to completion and only stops the
// loop from picking up new work, since admission_never_cancel_running
// applies symmetrically to shutdown.
func (w *Worker) Stop(allowBackfill bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	start := w.clk.Now()

	if !allowBackfill {
		cancel()
	}
	<-done
	if allowBackfill {
		cancel()
	}

	elapsed := w.clk.Now().Sub(start)
	w.sink.Emit(telemetry.Event{Name: telemetry.StopMetric, Fields: map[string]any{
		"clip": string(w.clip), "allow_backfill": allowBackfill,
		"elapsed": elapsed, "within_deadline": elapsed <= w.pool.cfg.StopDeadlineTarget,
	}, Timestamp: w.clk.Now()})
}

func (w *Worker) snapshot() (frame.Epoch, landing.Zone, frame.Direction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch, w.zone, w.direction
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}

		epoch, zone, direction := w.snapshot()
		pts, ok := w.nextCandidate(zone)
		if !ok {
			if !w.sleep(ctx, 5*time.Millisecond) {
				return
			}
			continue
		}

		if !w.admitRateGate(direction) {
			w.checkReverseWatchdog(ctx)
			if !w.sleep(ctx, time.Millisecond) {
				return
			}
			continue
		}

		release, admitted := w.admitCapacity(direction)
		if !admitted {
			w.checkReverseWatchdog(ctx)
			if !w.sleep(ctx, time.Millisecond) {
				return
			}
			continue
		}

		w.decodeOne(ctx, pts, epoch, direction)
		release()
	}
}

// nextCandidate walks the zone's priority list, skipping any pts
// already resident in history (spec §4.4 "history first").
func (w *Worker) nextCandidate(zone landing.Zone) (float64, bool) {
	tol := zone.FrameDuration / 2
	for _, pts := range zone.Priority {
		if _, hit := w.hist.Frame(pts, tol); hit {
			w.sink.Emit(telemetry.Event{Name: telemetry.HistoryCheck, Fields: map[string]any{
				"clip": string(w.clip), "pts": pts, "hit": true,
			}, Timestamp: w.clk.Now()})
			continue
		}
		return pts, true
	}
	return 0, false
}

// admitRateGate enforces the min-interval rate gate (spec §4.4,
// equality inclusive), with the reverse override-after-N-denials rule.
func (w *Worker) admitRateGate(direction frame.Direction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	if !w.haveLastDecode {
		w.blockedSince = time.Time{}
		w.haveBlockedSince = false
		return true
	}

	minInterval := w.pool.cfg.ForwardMinInterval
	if direction == frame.Reverse {
		minInterval = w.pool.cfg.ReverseMinInterval
	}
	delta := now.Sub(w.lastDecodeTime)
	if delta >= minInterval {
		w.reverseDenials = 0
		w.haveBlockedSince = false
		return true
	}

	if direction != frame.Reverse {
		return false
	}

	if !w.overrideUntil.IsZero() && now.Before(w.overrideUntil) {
		return true
	}

	w.reverseDenials++
	if w.reverseDenials >= w.pool.cfg.ReverseRateGateOverrideCount && w.pool.cfg.ReverseRateGateOverrideCount > 0 {
		w.overrideUntil = now.Add(w.pool.cfg.ReverseRateGateOverrideCooldown)
		w.reverseDenials = 0
		return true
	}
	return false
}

// admitCapacity implements the per-clip/global/rescue admission ladder.
// The returned release func must be called exactly once, regardless of
// which path admitted.
func (w *Worker) admitCapacity(direction frame.Direction) (release func(), ok bool) {
	w.mu.Lock()
	now := w.clk.Now()
	inBurstWindow := !w.burstUntil.IsZero() && now.Before(w.burstUntil)
	underCap := w.inFlight < w.pool.cfg.MaxInFlightPerClip
	if !underCap && inBurstWindow {
		underCap = w.inFlight < w.pool.cfg.MaxInFlightBurstPerClip
	}
	if underCap && w.inFlight >= w.pool.cfg.MaxInFlightPerClip-1 && w.burstUntil.IsZero() {
		// About to overshoot the steady-state cap: open a burst window so
		// the next admission check can still allow overshoot up to the
		// burst cap for burst_duration (spec §4.4).
		w.burstUntil = now.Add(w.pool.cfg.BurstDuration)
	}
	w.mu.Unlock()

	if !underCap {
		w.markBlocked(direction)
		return nil, false
	}

	if !w.pool.global.TryAcquire(1) {
		if rel, rescued := w.tryRescue(direction); rescued {
			w.mu.Lock()
			w.inFlight++
			w.mu.Unlock()
			return func() {
				rel()
				w.mu.Lock()
				w.inFlight--
				w.mu.Unlock()
			}, true
		}
		w.markBlocked(direction)
		return nil, false
	}

	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
	return func() {
		w.pool.global.Release(1)
		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
	}, true
}

// tryRescue grants a reverse rescue slot once the worker has been
// blocked for reverse_rescue_threshold (spec §4.4).
func (w *Worker) tryRescue(direction frame.Direction) (func(), bool) {
	if direction != frame.Reverse {
		return nil, false
	}
	w.mu.Lock()
	blocked := w.haveBlockedSince && w.clk.Now().Sub(w.blockedSince) >= w.pool.cfg.ReverseRescueThreshold
	w.mu.Unlock()
	if !blocked {
		return nil, false
	}
	if !w.rescueClip.TryAcquire(1) {
		return nil, false
	}
	if !w.pool.rescueGlobal.TryAcquire(1) {
		w.rescueClip.Release(1)
		return nil, false
	}
	return func() {
		w.rescueClip.Release(1)
		w.pool.rescueGlobal.Release(1)
	}, true
}

func (w *Worker) markBlocked(direction frame.Direction) {
	if direction != frame.Reverse {
		return
	}
	w.mu.Lock()
	if !w.haveBlockedSince {
		w.blockedSince = w.clk.Now()
		w.haveBlockedSince = true
	}
	w.mu.Unlock()
}

func (w *Worker) checkReverseWatchdog(ctx context.Context) {
	w.mu.Lock()
	direction := w.direction
	due := w.haveLastSuccess && w.clk.Now().Sub(w.lastSuccess) >= w.pool.cfg.ReverseWatchdogTimeout
	w.mu.Unlock()
	if direction == frame.Reverse && due && w.spot != nil {
		w.spot.EnsureSpotProxy(ctx, w.clip, "reverse_watchdog")
	}
}

// decodeOne performs one gated decode dispatch: pulls from the
// WindowedReader, verifies the epoch is still current, and stores the
// result in history.
func (w *Worker) decodeOne(ctx context.Context, pts float64, epoch frame.Epoch, direction frame.Direction) {
	frm, err := w.decodeWithRetry(ctx, pts)

	w.mu.Lock()
	w.lastDecodeTime = w.clk.Now()
	w.haveLastDecode = true
	w.mu.Unlock()

	if err != nil {
		w.onDecodeFailure(direction)
		return
	}

	w.mu.Lock()
	w.reverseFailures = 0
	w.reverseBackoff = w.pool.cfg.ReverseFailureBackoff
	w.lastSuccess = w.clk.Now()
	w.haveLastSuccess = true
	currentEpoch := w.epoch
	w.mu.Unlock()

	if currentEpoch != epoch {
		return
	}
	if frm == nil {
		return
	}

	w.hist.Record(frm.Buffer, pts, frame.NewVersion(epoch), frame.Scrub, estimateByteSize(frm), pts)
	w.sink.Emit(telemetry.Event{Name: telemetry.Decode, Fields: map[string]any{
		"clip": string(w.clip), "pts": pts, "epoch": uint64(epoch),
	}, Timestamp: w.clk.Now()})
}

func estimateByteSize(f *frame.DecodedFrame) int64 {
	if f == nil {
		return 0
	}
	return f.ByteSize
}

// decodeWithRetry drives the WindowedReader, retrying up to
// DecoderMalfunctionRetries times with DecoderMalfunctionSleep between
// attempts, calling the session-recovery hook once retries are
// exhausted (spec §9 supplement 2).
func (w *Worker) decodeWithRetry(ctx context.Context, pts float64) (*frame.DecodedFrame, error) {
	retries := w.pool.cfg.DecoderMalfunctionRetries
	if retries <= 0 {
		retries = 3
	}
	sleep := w.pool.cfg.DecoderMalfunctionSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	build := func(decodedPTS float64, handle any) *frame.DecodedFrame {
		return frame.FromHandle(decodedPTS, w.clip, frame.Scrub, handle, nil)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		frm, err := w.rd.CopyFrame(ctx, pts, pts, build)
		if err == nil {
			return frm, nil
		}
		lastErr = err
		if scrubrr.ClassifyOf(err) != scrubrr.KindDecoderMalfunction {
			return nil, err
		}
		if attempt == retries {
			break
		}
		if !w.sleep(ctx, sleep) {
			return nil, ctx.Err()
		}
	}

	if w.recovery != nil {
		if rerr := w.recovery(ctx, w.clip); rerr != nil {
			w.log.Warn("session recovery failed", "err", rerr)
		}
	}
	return nil, fmt.Errorf("worker: decode %s@%v: %w", w.clip, pts, lastErr)
}

func (w *Worker) onDecodeFailure(direction frame.Direction) {
	if direction != frame.Reverse {
		return
	}
	w.mu.Lock()
	w.reverseFailures++
	threshold := w.pool.cfg.ReverseFailureRecoveryThreshold
	if threshold > 0 && w.reverseFailures >= threshold {
		backoff := w.reverseBackoff
		if backoff <= 0 {
			backoff = w.pool.cfg.ReverseFailureBackoff
		}
		next := backoff * 2
		if w.pool.cfg.ReverseFailureMaxBackoff > 0 && next > w.pool.cfg.ReverseFailureMaxBackoff {
			next = w.pool.cfg.ReverseFailureMaxBackoff
		}
		w.reverseBackoff = next
		w.reverseFailures = 0
		w.mu.Unlock()
		w.clk.Sleep(backoff)
		return
	}
	w.mu.Unlock()
}

// DeadlineDecode is ungated (spec §4.4): it bypasses admission and the
// rate gate, and must return within StopDeadlineTarget. On failure (or
// timeout) it notifies SpotProxyManager.
func (w *Worker) DeadlineDecode(ctx context.Context, at float64, epoch frame.Epoch) (*frame.DecodedFrame, error) {
	deadline := w.pool.cfg.StopDeadlineTarget
	if deadline <= 0 {
		deadline = 66 * time.Millisecond
	}
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	build := func(pts float64, handle any) *frame.DecodedFrame {
		return frame.FromHandle(pts, w.clip, frame.Scrub, handle, nil)
	}

	frm, err := w.rd.CopyFrame(dctx, at, at, build)
	if err != nil {
		if w.spot != nil {
			w.spot.EnsureSpotProxy(ctx, w.clip, "deadline_exceeded")
		}
		return nil, fmt.Errorf("worker: deadline_decode %s@%v: %w", w.clip, at, err)
	}

	w.mu.Lock()
	currentEpoch := w.epoch
	w.mu.Unlock()
	if currentEpoch == epoch && frm != nil {
		w.hist.Record(frm.Buffer, at, frame.NewVersion(epoch), frame.Scrub, estimateByteSize(frm), at)
	}
	return frm, nil
}

// sleep blocks for d or until ctx is cancelled, returning false if
// cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := w.clk.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
