package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/history"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/scrubrr"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/landing"
	"github.com/zsiec/scrubcore/reader"
)

type fakeReader struct {
	calls  int
	fail   int // number of leading calls that return ErrDecoderMalfunction
	handle any
}

func (f *fakeReader) CopyFrame(ctx context.Context, assetTime, targetTime float64, build reader.BuildFunc) (*frame.DecodedFrame, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, fmt.Errorf("decode: %w", scrubrr.ErrDecoderMalfunction)
	}
	return build(targetTime, f.handle), nil
}

type sizedHandle int64

func (h sizedHandle) ByteSize() int64 { return int64(h) }

type fakeSpot struct {
	calls []string
}

func (f *fakeSpot) EnsureSpotProxy(ctx context.Context, clip frame.ClipId, reason string) {
	f.calls = append(f.calls, reason)
}

func baseConfig() Config {
	return Config{
		MaxInFlightPerClip:              2,
		MaxInFlightBurstPerClip:         4,
		BurstDuration:                   50 * time.Millisecond,
		MaxConcurrentDecodes:            4,
		ForwardMinInterval:              10 * time.Millisecond,
		ReverseMinInterval:              10 * time.Millisecond,
		ReverseRescueThreshold:          100 * time.Millisecond,
		ReverseCriticalSlotsPerClip:     1,
		ReverseGlobalSlack:              1,
		AdmissionNeverCancelRunning:     true,
		ReverseRateGateOverrideCount:    3,
		ReverseRateGateOverrideCooldown: 50 * time.Millisecond,
		ReverseFailureRecoveryThreshold: 5,
		ReverseFailureBackoff:           1 * time.Millisecond,
		ReverseFailureMaxBackoff:        10 * time.Millisecond,
		ReverseWatchdogTimeout:          600 * time.Millisecond,
		StopDeadlineTarget:              66 * time.Millisecond,
		DecoderMalfunctionRetries:       3,
		DecoderMalfunctionSleep:         time.Millisecond,
	}
}

func newTestWorker(t *testing.T, cfg Config, rd reader.WindowedReader, spot SpotProxyRequester, recovery RecoveryHook) (*Worker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	w := newWorkerWithClock(t, cfg, rd, spot, recovery, clk)
	return w, clk
}

// newRealClockWorker is for tests whose code path sleeps between retries:
// the fake clock only advances when Advance is called, which would hang
// decodeWithRetry's inter-attempt sleeps.
func newRealClockWorker(t *testing.T, cfg Config, rd reader.WindowedReader, spot SpotProxyRequester, recovery RecoveryHook) *Worker {
	t.Helper()
	return newWorkerWithClock(t, cfg, rd, spot, recovery, clock.Real{})
}

func newWorkerWithClock(t *testing.T, cfg Config, rd reader.WindowedReader, spot SpotProxyRequester, recovery RecoveryHook, clk clock.Clock) *Worker {
	t.Helper()
	hist := history.NewManager(history.Config{
		ByteBudget:       1 << 30,
		BiasWindowFrames: 5,
		FrameDuration:    1.0 / 30,
	}, clk, nil)
	pool := NewPool(cfg)
	return pool.NewWorker("clip-1", rd, hist, telemetry.Noop{}, spot, recovery, clk, nil)
}

func TestRateGateEqualityInclusive(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	w, clk := newTestWorker(t, cfg, &fakeReader{}, nil, nil)

	if !w.admitRateGate(frame.Forward) {
		t.Fatalf("first decode must always be admitted")
	}
	w.mu.Lock()
	w.lastDecodeTime = clk.Now()
	w.haveLastDecode = true
	w.mu.Unlock()

	clk.Advance(cfg.ForwardMinInterval) // delta == min_interval exactly
	if !w.admitRateGate(frame.Forward) {
		t.Fatalf("equality must be admitted (the equality fix)")
	}
}

func TestHistoryFirstSkipsDecode(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{}
	w, _ := newTestWorker(t, baseConfig(), rd, nil, nil)

	buf := frame.NewPixelBuffer("handle", nil)
	w.hist.Record(buf, 1.0, frame.NewVersion(1), frame.Scrub, 100, 1.0)

	zone := landing.Zone{
		TPred:         1.0,
		Direction:     frame.Forward,
		FrameDuration: 1.0 / 30,
		Priority:      []float64{1.0},
	}
	_, ok := w.nextCandidate(zone)
	if ok {
		t.Fatalf("expected no candidate: pts already in history")
	}
	if rd.calls != 0 {
		t.Fatalf("decoder should not have been called")
	}
}

func TestDeadlineDecodeUngated(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{}
	w, _ := newTestWorker(t, baseConfig(), rd, nil, nil)

	// Saturate the per-clip admission so a gated decode would be denied;
	// deadline_decode must bypass it entirely.
	w.mu.Lock()
	w.inFlight = 1000
	w.mu.Unlock()

	frm, err := w.DeadlineDecode(context.Background(), 2.0, 0)
	if err != nil {
		t.Fatalf("DeadlineDecode error: %v", err)
	}
	if frm == nil {
		t.Fatalf("expected a frame")
	}
	if rd.calls != 1 {
		t.Fatalf("decode calls = %d, want 1", rd.calls)
	}
}

func TestDeadlineDecodeBuildsBufferAndByteSizeFromHandle(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{handle: sizedHandle(4096)}
	w, _ := newTestWorker(t, baseConfig(), rd, nil, nil)

	frm, err := w.DeadlineDecode(context.Background(), 2.0, 0)
	if err != nil {
		t.Fatalf("DeadlineDecode error: %v", err)
	}
	if frm.Buffer == nil {
		t.Fatalf("expected a populated PixelBuffer, got nil")
	}
	if frm.ByteSize != 4096 {
		t.Fatalf("ByteSize = %d, want 4096 (read from the handle)", frm.ByteSize)
	}
}

func TestDeadlineDecodeNotifiesSpotProxyOnFailure(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{fail: 100}
	spot := &fakeSpot{}
	w, _ := newTestWorker(t, baseConfig(), rd, spot, nil)

	_, err := w.DeadlineDecode(context.Background(), 2.0, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(spot.calls) != 1 || spot.calls[0] != "deadline_exceeded" {
		t.Fatalf("expected a deadline_exceeded spot-proxy call, got %v", spot.calls)
	}
}

func TestDecoderMalfunctionRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{fail: 100}
	var recovered frame.ClipId
	recovery := func(ctx context.Context, clip frame.ClipId) error {
		recovered = clip
		return nil
	}
	w := newRealClockWorker(t, baseConfig(), rd, nil, recovery)

	_, err := w.decodeWithRetry(context.Background(), 1.0)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if rd.calls != 4 { // initial attempt + 3 retries
		t.Fatalf("decode calls = %d, want 4", rd.calls)
	}
	if recovered != "clip-1" {
		t.Fatalf("expected recovery hook invoked for clip-1, got %q", recovered)
	}
}

func TestDecoderMalfunctionRecoversWithinRetryBudget(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{fail: 2}
	w := newRealClockWorker(t, baseConfig(), rd, nil, nil)

	frm, err := w.decodeWithRetry(context.Background(), 1.0)
	if err != nil {
		t.Fatalf("decodeWithRetry error: %v", err)
	}
	if frm == nil {
		t.Fatalf("expected a frame after recovering within the retry budget")
	}
	if rd.calls != 3 {
		t.Fatalf("decode calls = %d, want 3", rd.calls)
	}
}

func TestEpochStaleDropsResultFromHistory(t *testing.T) {
	t.Parallel()
	rd := &fakeReader{}
	w, _ := newTestWorker(t, baseConfig(), rd, nil, nil)

	w.mu.Lock()
	w.epoch = 2 // current epoch has moved on
	w.mu.Unlock()

	w.decodeOne(context.Background(), 1.0, 1, frame.Forward) // stale epoch=1

	if _, hit := w.hist.Frame(1.0, 1.0/60); hit {
		t.Fatalf("stale-epoch decode must not be cached")
	}
}
