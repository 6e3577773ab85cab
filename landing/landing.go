// Package landing implements LandingZoneManager (spec §4.3): given a
// predicted scrub target and velocity, it computes the range of frames
// to keep warm and an ordered decode priority list. Grounded on
// zsiec/prism's GOP-window reasoning (distribution/relay.go's gopCache
// is the closest analogue to "keep a bounded window of frames near the
// current position warm").
package landing

import (
	"math"

	"github.com/zsiec/scrubcore/frame"
)

// Range is an inclusive [Lo, Hi] timeline-time interval.
type Range struct {
	Lo, Hi float64
}

// Contains reports whether t falls within [Lo, Hi].
func (r Range) Contains(t float64) bool { return t >= r.Lo && t <= r.Hi }

// Config tunes window sizing (spec §6 adaptive_lz_* and *_lz_frames).
type Config struct {
	AdaptiveMult     float64
	AdaptiveMin      int
	AdaptiveMax      int
	MaxWarmWindowSec float64
	ReverseLZFrames  int
	ForwardLZFrames  int
}

// Request is the input to Compute: the predicted target, current
// velocity/direction, and the active frame duration. AdaptiveWindowFrames,
// when non-zero, overrides the magnitude-derived window size (spec:
// "If the velocity predictor supplies adaptive_window_frames, use it").
// RecentDecodeDelta, when positive, may trigger repair mode for reverse
// scrubs that have fallen behind.
type Request struct {
	TPred                float64
	VelocityFPS          float64
	Direction            frame.Direction
	FrameDuration        float64
	AdaptiveWindowFrames int
	RecentDecodeDelta    float64
}

// Zone is the computed landing zone and its discretized priority list.
type Zone struct {
	TPred         float64
	Direction     frame.Direction
	Behind        Range
	Ahead         Range
	WindowFrames  int
	FrameDuration float64
	RepairMode    bool
	RepairDelta   float64
	Priority      []float64
}

// IsInLandingZone reports whether pts lies in either sub-range.
func (z Zone) IsInLandingZone(pts float64) bool {
	return z.Behind.Contains(pts) || z.Ahead.Contains(pts)
}

// Manager computes LandingZones from Requests per spec §4.3.
type Manager struct {
	cfg Config
}

// NewManager constructs a Manager with the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(v, d float64) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(v / d))
}

// windowFrames implements the window-sizing rule.
func (m *Manager) windowFrames(req Request) int {
	if req.AdaptiveWindowFrames > 0 {
		return req.AdaptiveWindowFrames
	}
	v := req.VelocityFPS
	if v < 0 {
		v = -v
	}
	w := int(math.Floor(v * m.cfg.AdaptiveMult))
	return clampInt(w, m.cfg.AdaptiveMin, m.cfg.AdaptiveMax)
}

// maxFramesPerWindow implements the hard cap per spec §4.3.
func (m *Manager) maxFramesPerWindow(window int, frameDuration float64) int {
	warmCap := 0
	if frameDuration > 0 {
		warmCap = int(math.Floor(m.cfg.MaxWarmWindowSec / frameDuration))
	}
	return maxInt(window, warmCap)
}

// isStableReverse reports the stable-reverse submode trigger: a steady,
// moderate reverse velocity where a tighter, forward-light window is
// preferred over the generic adaptive sizing. This module treats any
// reverse request with a non-zero speed of at most ten times the
// configured reverse floor in fps (50fps with the default floor of 5)
// as "stable"; faster reverse flings use the generic sizing.
func isStableReverse(req Request, reverseFloor int) bool {
	if req.Direction != frame.Reverse {
		return false
	}
	v := req.VelocityFPS
	if v < 0 {
		v = -v
	}
	return v > 0 && v <= float64(reverseFloor)*10
}

// Compute builds the Zone and priority list for req.
func (m *Manager) Compute(req Request) Zone {
	window := m.windowFrames(req)
	hardCap := m.maxFramesPerWindow(window, req.FrameDuration)

	var behindFrames, aheadFrames int

	switch req.Direction {
	case frame.Reverse:
		behindFrames = minInt(maxInt(window, m.cfg.ReverseLZFrames), hardCap)
		aheadFrames = minInt(maxInt(window, m.cfg.ForwardLZFrames), hardCap)
		if isStableReverse(req, m.cfg.ReverseLZFrames) {
			v := req.VelocityFPS
			if v < 0 {
				v = -v
			}
			behindFrames = clampInt(int(math.Ceil(v*10)), 8, 12)
			aheadFrames = 1
		}
	default: // Forward
		aheadFrames = minInt(maxInt(window, m.cfg.ForwardLZFrames), hardCap)
		behindFrames = minInt(maxInt(window, m.cfg.ReverseLZFrames), hardCap)
	}

	repairMode := false
	var repairDelta float64
	if req.Direction == frame.Reverse && req.RecentDecodeDelta > 0.75*req.FrameDuration {
		repairMode = true
		repairDelta = req.RecentDecodeDelta
		behindFrames += 2 * ceilDiv(repairDelta, req.FrameDuration)
	}

	fd := req.FrameDuration
	behindLo := (req.TPred - float64(behindFrames)*fd)
	if behindLo < 0 {
		behindLo = 0
	}
	aheadHi := req.TPred + float64(aheadFrames)*fd

	behind := Range{Lo: behindLo, Hi: req.TPred}
	ahead := Range{Lo: req.TPred, Hi: aheadHi}

	z := Zone{
		TPred:         req.TPred,
		Direction:     req.Direction,
		Behind:        behind,
		Ahead:         ahead,
		WindowFrames:  window,
		FrameDuration: fd,
		RepairMode:    repairMode,
		RepairDelta:   repairDelta,
	}
	z.Priority = buildPriority(z)
	return z
}

// buildPriority discretizes the behind/ahead ranges at frame_duration
// steps into the decode priority list. Reverse emits
// [t_pred, t_pred-fd, ..., behind.lo] then [t_pred+fd, ..., ahead.hi];
// forward reverses the two halves: [t_pred, t_pred+fd, ..., ahead.hi]
// then [t_pred-fd, ..., behind.lo] (spec §4.3).
func buildPriority(z Zone) []float64 {
	fd := z.FrameDuration
	if fd <= 0 {
		return []float64{z.TPred}
	}

	var down []float64 // t_pred, t_pred-fd, ..., down to behind.lo
	for t := z.TPred; t >= z.Behind.Lo-fd/2; t -= fd {
		down = append(down, t)
	}
	var downExclusive []float64 // t_pred-fd, ..., down to behind.lo
	if len(down) > 1 {
		downExclusive = down[1:]
	}

	var up []float64 // t_pred, t_pred+fd, ..., up to ahead.hi
	for t := z.TPred; t <= z.Ahead.Hi+fd/2; t += fd {
		up = append(up, t)
	}
	var upExclusive []float64 // t_pred+fd, ..., up to ahead.hi
	if len(up) > 1 {
		upExclusive = up[1:]
	}

	out := make([]float64, 0, len(down)+len(upExclusive))
	if z.Direction == frame.Reverse {
		out = append(out, down...)
		out = append(out, upExclusive...)
	} else {
		out = append(out, up...)
		out = append(out, downExclusive...)
	}
	return out
}
