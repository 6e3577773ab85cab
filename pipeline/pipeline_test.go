package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/history"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/reader"
	"github.com/zsiec/scrubcore/timeline"
)

type sizedHandle int64

func (h sizedHandle) ByteSize() int64 { return int64(h) }

type fakeReader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReader) CopyFrame(ctx context.Context, assetTime, targetTime float64, build reader.BuildFunc) (*frame.DecodedFrame, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return build(targetTime, sizedHandle(2048)), nil
}

func (f *fakeReader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFrameForReturnsNearestPrevious(t *testing.T) {
	t.Parallel()
	r := &ring{}
	r.push(&frame.DecodedFrame{PTS: 1.0})
	r.push(&frame.DecodedFrame{PTS: 2.0})
	r.push(&frame.DecodedFrame{PTS: 0.5})

	got, ok := r.frameFor(1.5)
	if !ok || got.PTS != 1.0 {
		t.Fatalf("frameFor(1.5) = %+v, ok=%v, want pts=1.0", got, ok)
	}
	if _, ok := (&ring{}).frameFor(1.0); ok {
		t.Fatalf("empty ring must return nothing")
	}
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()
	r := &ring{}
	for i := 0; i < ringSize+5; i++ {
		r.push(&frame.DecodedFrame{PTS: float64(i)})
	}
	r.mu.Lock()
	n := len(r.frames)
	oldest := r.frames[0].PTS
	r.mu.Unlock()
	if n != ringSize {
		t.Fatalf("ring size = %d, want %d", n, ringSize)
	}
	if oldest != 5 {
		t.Fatalf("oldest retained PTS = %v, want 5", oldest)
	}
}

func TestLookAheadClamps(t *testing.T) {
	t.Parallel()
	if got := lookAhead(0.001); got != 0.18 {
		t.Fatalf("lookAhead(tiny frame) = %v, want 0.18 floor", got)
	}
	if got := lookAhead(1.0); got != 0.6 {
		t.Fatalf("lookAhead(huge frame) = %v, want 0.6 ceiling", got)
	}
}

func TestStartPopulatesRingFromDecodeLoop(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	pc := timeline.NewPlaybackClock()
	pc.Publish(timeline.ClockSample{Time: 2.0})

	rd := &fakeReader{}
	hist := history.NewManager(history.Config{ByteBudget: 1 << 30, FrameDuration: 1.0 / 30}, clk, nil)
	p := New(pc, clk, nil, telemetry.Noop{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, "clip-1", rd, hist, ClipRange{Lo: 0, Hi: 100}, 1.0/30)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rd.count() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rd.count() == 0 {
		t.Fatalf("expected the decode loop to call CopyFrame at least once")
	}

	frm, ok := p.FrameFor("clip-1", 2.0)
	if !ok {
		t.Fatalf("expected a frame near t=2.0 in the ring after decoding")
	}
	if frm.Buffer == nil {
		t.Fatalf("expected a populated PixelBuffer, got nil")
	}
	if frm.ByteSize != 2048 {
		t.Fatalf("ByteSize = %d, want 2048 (read from the handle)", frm.ByteSize)
	}

	p.Stop("clip-1")
	if _, ok := p.FrameFor("clip-1", 2.0); ok {
		t.Fatalf("ring should be cleared and clip removed after Stop")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	pc := timeline.NewPlaybackClock()
	rd := &fakeReader{}
	hist := history.NewManager(history.Config{ByteBudget: 1 << 30, FrameDuration: 1.0 / 30}, nil, nil)
	p := New(pc, nil, nil, telemetry.Noop{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, "clip-1", rd, hist, ClipRange{Lo: 0, Hi: 10}, 1.0/30)
	p.Start(ctx, "clip-1", rd, hist, ClipRange{Lo: 0, Hi: 10}, 1.0/30)

	p.mu.Lock()
	n := len(p.clips)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("clips tracked = %d, want 1 (idempotent Start)", n)
	}
	p.StopAll()
}
