// Package timeline implements the monotonic, frame-accurate clock that
// drives both playback and the UI (spec §4.1), and the shared
// PlaybackClock other components read as the source of truth.
package timeline

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/telemetry"
)

// Epsilon is the rate magnitude below which the ticker is considered
// paused (spec: "If |rate| <= epsilon, the ticker is paused").
const Epsilon = 1e-9

// idlePeriod is the tick period used while paused, just fast enough to
// notice a resume promptly without spinning.
const idlePeriod = 50 * time.Millisecond

// maxLeeway bounds how much slack is tolerated in the timer period,
// per spec's "small leeway (<=1ms)".
const maxLeeway = time.Millisecond

// Handler receives the current timeline time on every tick (and once,
// synchronously, on Seek).
type Handler func(t TimelineTime)

// TimelineTicker is the single-threaded, main-thread clock described in
// spec §4.1. It never derives time from wall-clock subtraction: every
// tick recomputes base_time + frame_count*frame_duration*rate from a
// monotonically incrementing integer frame counter, so cumulative
// float drift cannot occur.
type TimelineTicker struct {
	log  *slog.Logger
	clk  clock.Clock
	pub  *PlaybackClock
	sink telemetry.Sink

	mu         sync.Mutex
	tb         FrameTimebase
	rate       float64
	baseTime   TimelineTime
	baseHost   time.Time
	frameCount uint64
	handler    Handler

	ticker   clock.Ticker
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTimelineTicker constructs a ticker publishing to pub. If clk is
// nil, the real wall clock is used; if log is nil, slog.Default(); if
// sink is nil, telemetry.Noop{}.
func NewTimelineTicker(pub *PlaybackClock, clk clock.Clock, log *slog.Logger, sink telemetry.Sink) *TimelineTicker {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &TimelineTicker{
		log:    log.With("component", "timeline-ticker"),
		clk:    clk,
		pub:    pub,
		sink:   sink,
		tb:     DefaultTimebase,
		stopCh: make(chan struct{}),
	}
}

// Start begins ticking from `from` at `rate`, invoking handler on every
// tick. Calling Start again re-arms the ticker from a new origin without
// stopping the background loop (idempotent rearm, not an accumulate).
func (tk *TimelineTicker) Start(from TimelineTime, rate float64, handler Handler) {
	tk.mu.Lock()
	tk.baseTime = from
	tk.baseHost = tk.clk.Now()
	tk.frameCount = 0
	tk.rate = rate
	tk.handler = handler
	period := tk.currentPeriodLocked()
	firstStart := tk.ticker == nil
	if firstStart {
		tk.ticker = tk.clk.NewTicker(period)
	} else {
		tk.ticker.Reset(period)
	}
	tk.mu.Unlock()

	tk.log.Info("ticker started", "from", float64(from), "rate", rate)

	if firstStart {
		go tk.loop()
	}
}

// UpdateRate changes the playback rate, resetting the frame counter and
// re-anchoring base_time/base_host_time at the current timeline
// position so the change is continuous.
func (tk *TimelineTicker) UpdateRate(newRate float64) {
	tk.mu.Lock()
	cur := tk.tb.AtFrameRate(tk.baseTime, tk.frameCount, tk.rate)
	tk.baseTime = cur
	tk.baseHost = tk.clk.Now()
	tk.frameCount = 0
	tk.rate = newRate
	period := tk.currentPeriodLocked()
	t := tk.ticker
	tk.mu.Unlock()

	if t != nil {
		t.Reset(period)
	}
}

// Seek jumps the timeline to `to`, resets the frame counter, and always
// invokes the handler exactly once with the new time — even while
// paused — so dependents observe the new position immediately.
func (tk *TimelineTicker) Seek(to TimelineTime) {
	tk.mu.Lock()
	tk.baseTime = to
	tk.baseHost = tk.clk.Now()
	tk.frameCount = 0
	rate := tk.rate
	handler := tk.handler
	tk.mu.Unlock()

	tk.pub.Publish(ClockSample{Time: to, HostTime: tk.baseHost, Rate: rate})
	if handler != nil {
		handler(to)
	}
}

// Resync re-anchors the clock to `to` without forcing a handler
// invocation, for use when the renderer/decoder reports an
// out-of-band correction rather than a user-initiated seek.
func (tk *TimelineTicker) Resync(to TimelineTime) {
	tk.mu.Lock()
	tk.baseTime = to
	tk.baseHost = tk.clk.Now()
	tk.frameCount = 0
	rate := tk.rate
	tk.mu.Unlock()

	tk.pub.Publish(ClockSample{Time: to, HostTime: tk.baseHost, Rate: rate})
}

// SetFrameTimebase switches the active timebase, re-anchoring the clock
// at the current position under the old timebase before adopting the
// new one, so the timeline time itself does not jump.
func (tk *TimelineTicker) SetFrameTimebase(tb FrameTimebase) {
	tk.mu.Lock()
	cur := tk.tb.AtFrameRate(tk.baseTime, tk.frameCount, tk.rate)
	tk.baseTime = cur
	tk.baseHost = tk.clk.Now()
	tk.frameCount = 0
	tk.tb = tb
	period := tk.currentPeriodLocked()
	t := tk.ticker
	tk.mu.Unlock()

	if t != nil {
		t.Reset(period)
	}
}

// Stop halts ticking permanently. Safe to call more than once.
func (tk *TimelineTicker) Stop() {
	tk.mu.Lock()
	if tk.ticker != nil {
		tk.ticker.Stop()
	}
	tk.mu.Unlock()
	tk.stopOnce.Do(func() { close(tk.stopCh) })
}

func (tk *TimelineTicker) currentPeriodLocked() time.Duration {
	if math.Abs(tk.rate) <= Epsilon {
		return idlePeriod
	}
	d := tk.tb.Duration()
	if d <= 0 {
		d = DefaultTimebase.Duration()
	}
	period := time.Duration(d * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}
	// Fire slightly early rather than late: the integer frame counter
	// (see AtFrameRate), not the timer's wall-clock accuracy, is what
	// keeps cumulative time drift-free, so trimming up to maxLeeway off
	// the period only affects how promptly a tick lands, never how it's
	// computed.
	period -= maxLeeway
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return period
}

func (tk *TimelineTicker) loop() {
	for {
		tk.mu.Lock()
		t := tk.ticker
		tk.mu.Unlock()
		if t == nil {
			return
		}
		select {
		case <-tk.stopCh:
			return
		case now := <-t.C():
			tk.onTick(now)
		}
	}
}

func (tk *TimelineTicker) onTick(now time.Time) {
	tk.mu.Lock()
	if math.Abs(tk.rate) <= Epsilon {
		tk.mu.Unlock()
		return
	}
	tk.frameCount++
	t := tk.tb.AtFrameRate(tk.baseTime, tk.frameCount, tk.rate)
	rate := tk.rate
	handler := tk.handler
	tk.mu.Unlock()

	tk.pub.Publish(ClockSample{Time: t, HostTime: now, Rate: rate})
	tk.sink.Emit(telemetry.Event{Name: telemetry.Tick, Fields: map[string]any{
		"time": float64(t), "rate": rate, "frame_count": tk.frameCount,
	}, Timestamp: now})
	if handler != nil {
		handler(t)
	}
}
