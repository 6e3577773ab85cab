package timeline

import (
	"testing"
	"time"

	"github.com/zsiec/scrubcore/internal/clock"
)

func TestTimelineTickerAdvancesAtFrameRate(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	pub := NewPlaybackClock()
	tk := NewTimelineTicker(pub, fc, nil, nil)
	defer tk.Stop()

	tb := FrameTimebase{RateNum: 1, RateDen: 60}
	tk.SetFrameTimebase(tb)

	var got []TimelineTime
	tk.Start(1.0, 1.0, func(ti TimelineTime) {
		got = append(got, ti)
	})

	period := time.Duration(tb.Duration() * float64(time.Second))
	for i := 0; i < 5; i++ {
		fc.Advance(period)
	}

	// best-effort: fake ticker delivery happens on the producer
	// goroutine; give the consumer loop a moment to drain.
	time.Sleep(20 * time.Millisecond)

	if len(got) == 0 {
		t.Fatalf("expected at least one tick, got none")
	}
	for i, ti := range got {
		want := tb.AtFrameRate(1.0, uint64(i+1), 1.0)
		if diff := float64(ti) - float64(want); diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("tick %d = %v, want %v", i, ti, want)
		}
	}
}

func TestTimelineTickerPausedHandlerOnlyOnSeek(t *testing.T) {
	t.Parallel()

	fc := clock.NewFake(time.Unix(0, 0))
	pub := NewPlaybackClock()
	tk := NewTimelineTicker(pub, fc, nil, nil)
	defer tk.Stop()

	calls := 0
	tk.Start(0, 0, func(TimelineTime) { calls++ })

	fc.Advance(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("paused ticker invoked handler %d times, want 0", calls)
	}

	tk.Seek(2.5)
	if calls != 1 {
		t.Fatalf("seek invoked handler %d times, want 1", calls)
	}
	if pub.Time() != 2.5 {
		t.Fatalf("published time = %v, want 2.5", pub.Time())
	}
}

func TestFrameTimebaseAtFrameRateReverse(t *testing.T) {
	t.Parallel()

	tb := FrameTimebase{RateNum: 1, RateDen: 30}
	got := tb.AtFrameRate(10.0, 3, -1.0)
	want := 10.0 - 3.0/30.0
	if diff := float64(got) - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("AtFrameRate = %v, want %v", got, want)
	}
}
