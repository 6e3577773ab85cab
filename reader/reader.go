// Package reader defines the WindowedReader contract (spec §4.8): a
// thin, sliding-window random-access view over an external decoder.
// The decoder itself — codec bindings, GOP index building — is out of
// scope (spec §1); this package only implements the window-maintenance
// policy around a caller-supplied Decoder.
package reader

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/scrubcore/frame"
)

// RawFrame is one decoded picture handed back by an external Decoder,
// before this package wraps it into a frame.DecodedFrame via the
// caller's build callback.
type RawFrame struct {
	PTS    float64
	Handle any
}

// Decoder is the external collaborator a WindowedReader drives. It is
// expected to decode every frame in [from, to], returned in PTS order.
// Implementations live outside this module (spec §1 "the actual video
// decoder/codec bindings" is an external collaborator).
type Decoder interface {
	DecodeWindow(ctx context.Context, from, to float64) ([]RawFrame, error)
}

// BuildFunc constructs a frame.DecodedFrame from a raw decoder handle;
// supplied by the caller of CopyFrame so this package never needs to
// know about pixel buffer release semantics.
type BuildFunc func(pts float64, handle any) *frame.DecodedFrame

// WindowedReader is the contract consumed by ScrubWorker and
// FramePipeline: copy the frame nearest-previous to a target time,
// maintaining (and silently rebuilding) a sliding decode window.
type WindowedReader interface {
	CopyFrame(ctx context.Context, assetTime, targetTime float64, build BuildFunc) (*frame.DecodedFrame, error)
}

// Config tunes window sizing. WindowRadius is the nominal ahead-side
// half-width of the window; LookBehind is derived from it and from
// Tolerance per spec §4.8 ("at least 12x tolerance, capped at 0.25 x
// window_radius"): this implementation takes window_radius to mean the
// ahead-side radius, and carves a separate (smaller) look-behind slice
// from it, since the spec names look-behind and window_radius as
// distinct quantities rather than two halves of one span.
type Config struct {
	WindowRadius float64
	Tolerance    float64
}

func (c Config) lookBehind() float64 {
	lb := 12 * c.Tolerance
	ceiling := 0.25 * c.WindowRadius
	if lb > ceiling {
		lb = ceiling
	}
	return lb
}

// SlidingWindowReader implements WindowedReader over an injected
// Decoder, maintaining one decode window per call sequence. It is safe
// for use by a single clip's decode loop only (spec: "each clip's
// decode loop is logically single-threaded").
type SlidingWindowReader struct {
	log *slog.Logger
	dec Decoder
	cfg Config

	mu            sync.Mutex
	windowLo      float64
	windowHi      float64
	haveWindow    bool
	frames        []RawFrame
	lastDelivered float64
	haveDelivered bool
}

// NewGOPReader constructs a WindowedReader sized for GOP-prefetch-style
// scrubbing (spec's adopted default, §9 open question 2): a wider
// window amortizing decode cost across nearby requests.
func NewGOPReader(dec Decoder, windowRadius, tolerance float64, log *slog.Logger) *SlidingWindowReader {
	return newSlidingWindowReader(dec, Config{WindowRadius: windowRadius, Tolerance: tolerance}, log)
}

// NewSimpleReader constructs the alternative, simpler micro-window
// WindowedReader (spec §9 open question 2: "a simpler fallback") with
// a fixed 50ms ahead-side window radius (so a look-behind of at most
// 12.5ms), re-decoding more often but holding far less in memory per
// rebuild.
func NewSimpleReader(dec Decoder, tolerance float64, log *slog.Logger) *SlidingWindowReader {
	return newSlidingWindowReader(dec, Config{WindowRadius: 0.05, Tolerance: tolerance}, log)
}

func newSlidingWindowReader(dec Decoder, cfg Config, log *slog.Logger) *SlidingWindowReader {
	if log == nil {
		log = slog.Default()
	}
	return &SlidingWindowReader{
		log: log.With("component", "windowed-reader"),
		dec: dec,
		cfg: cfg,
	}
}

// CopyFrame returns the frame nearest-previous to targetTime (within
// Tolerance, falling back to any frame <= target when present),
// rebuilding the sliding window first if target falls outside it or
// the caller jumped backward past the last delivered PTS.
func (r *SlidingWindowReader) CopyFrame(ctx context.Context, assetTime, targetTime float64, build BuildFunc) (*frame.DecodedFrame, error) {
	r.mu.Lock()
	needRebuild := !r.haveWindow ||
		targetTime < r.windowLo || targetTime > r.windowHi ||
		(r.haveDelivered && targetTime+r.cfg.Tolerance < r.lastDelivered)
	r.mu.Unlock()

	if needRebuild {
		if err := r.rebuildWindow(ctx, targetTime); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *RawFrame
	for i := range r.frames {
		f := &r.frames[i]
		if f.PTS <= targetTime+r.cfg.Tolerance {
			if best == nil || f.PTS > best.PTS {
				best = f
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	r.lastDelivered = best.PTS
	r.haveDelivered = true
	return build(best.PTS, best.Handle), nil
}

func (r *SlidingWindowReader) rebuildWindow(ctx context.Context, target float64) error {
	lookBehind := r.cfg.lookBehind()
	lo := target - lookBehind
	if lo < 0 {
		lo = 0
	}
	hi := target + r.cfg.WindowRadius

	frames, err := r.dec.DecodeWindow(ctx, lo, hi)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.windowLo = lo
	r.windowHi = hi
	r.haveWindow = true
	r.frames = frames
	r.mu.Unlock()

	r.log.Debug("window rebuilt", "lo", lo, "hi", hi, "frames", len(frames))
	return nil
}

var _ WindowedReader = (*SlidingWindowReader)(nil)
