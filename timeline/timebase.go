package timeline

import "math/big"

// TimelineTime is seconds since the start of the timeline: a finite,
// non-negative real, strictly ordered, with resolution of one frame.
type TimelineTime float64

// Clamp returns t restricted to [lo, hi].
func (t TimelineTime) Clamp(lo, hi TimelineTime) TimelineTime {
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// ClampNonNegative returns max(t, 0); no negative PTS is ever requested.
func (t TimelineTime) ClampNonNegative() TimelineTime {
	if t < 0 {
		return 0
	}
	return t
}

// FrameTimebase is an exact frame duration expressed as a rational
// rate_num/rate_den (seconds per frame), avoiding float accumulation
// error across large frame counts.
type FrameTimebase struct {
	RateNum int64
	RateDen int64
}

// DefaultTimebase is a common 30fps-equivalent timebase (1/30 s/frame).
var DefaultTimebase = FrameTimebase{RateNum: 1, RateDen: 30}

// rat returns the exact rational frame duration.
func (tb FrameTimebase) rat() *big.Rat {
	if tb.RateDen == 0 {
		return big.NewRat(1, 30)
	}
	return big.NewRat(tb.RateNum, tb.RateDen)
}

// Duration returns the frame duration in seconds as a float64. Used for
// display/comparison; exact frame-count math should stay in the
// rational domain via AtFrame.
func (tb FrameTimebase) Duration() float64 {
	f, _ := tb.rat().Float64()
	return f
}

// AtFrame returns the exact timeline time of the given frame count
// relative to base, computed as base + frameCount * frameDuration,
// without accumulating float error across repeated additions: the
// multiplication happens once in rational arithmetic per call.
func (tb FrameTimebase) AtFrame(base TimelineTime, frameCount uint64) TimelineTime {
	d := new(big.Rat).Mul(tb.rat(), new(big.Rat).SetUint64(frameCount))
	d.Add(d, new(big.Rat).SetFloat64(float64(base)))
	f, _ := d.Float64()
	return TimelineTime(f)
}

// AtFrameRate is AtFrame but additionally scales elapsed frames by rate,
// matching TimelineTicker's "base_time + frame_count x frame_duration x
// rate" contract (spec §4.1).
func (tb FrameTimebase) AtFrameRate(base TimelineTime, frameCount uint64, rate float64) TimelineTime {
	d := new(big.Rat).Mul(tb.rat(), new(big.Rat).SetUint64(frameCount))
	rr := new(big.Rat).SetFloat64(rate)
	if rr == nil {
		rr = big.NewRat(0, 1)
	}
	d.Mul(d, rr)
	d.Add(d, new(big.Rat).SetFloat64(float64(base)))
	f, _ := d.Float64()
	return TimelineTime(f)
}

// NearestPreviousTolerance is the tolerance used for "nearest-previous"
// frame lookups: half a frame duration.
func (tb FrameTimebase) NearestPreviousTolerance() float64 {
	return tb.Duration() / 2
}

// EqualityTolerance is the general-purpose time-equality tolerance used
// when no frame-relative tolerance applies (spec design notes: 1/240s).
const EqualityTolerance = 1.0 / 240.0
