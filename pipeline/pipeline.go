// Package pipeline implements FramePipeline (spec §4.6): per-clip
// playback look-ahead decode loop plus a small decoded-frame ring, and
// the AVSyncMonitor telemetry emitter (spec §9 supplement 4). Grounded
// on zsiec/prism's distribution/relay.go per-viewer goroutine lifecycle
// and golang.org/x/sync/errgroup for the start/stop-all fan-out, the
// same pattern the teacher uses for its own stream lifecycle.
package pipeline

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/history"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/telemetry"
	"github.com/zsiec/scrubcore/reader"
	"github.com/zsiec/scrubcore/timeline"
)

// ringSize is the fixed per-clip decoded-frame ring depth (spec §4.6).
const ringSize = 12

// ClipRange bounds the valid target times for a clip (spec's
// `clamp(..., clip.range)`).
type ClipRange struct {
	Lo, Hi float64
}

func (r ClipRange) clamp(t float64) float64 {
	if t < r.Lo {
		return r.Lo
	}
	if t > r.Hi {
		return r.Hi
	}
	return t
}

// ring is a fixed-capacity, time-ordered buffer of decoded frames.
type ring struct {
	mu     sync.Mutex
	frames []*frame.DecodedFrame
}

func (r *ring) push(f *frame.DecodedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	if len(r.frames) > ringSize {
		r.frames = r.frames[len(r.frames)-ringSize:]
	}
}

// frameFor returns the frame with the largest PTS <= at (nearest
// previous); an empty ring returns nothing.
func (r *ring) frameFor(at float64) (*frame.DecodedFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *frame.DecodedFrame
	for _, f := range r.frames {
		if f.PTS <= at && (best == nil || f.PTS > best.PTS) {
			best = f
		}
	}
	return best, best != nil
}

func (r *ring) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

type clipState struct {
	clip   frame.ClipId
	rd     reader.WindowedReader
	rng    ClipRange
	frameD float64
	ring   *ring

	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	lastDecodeTime float64
	haveDecode     bool
}

// Pipeline is FramePipeline: the playback-time decode loop driving one
// clipState per active clip, all reading target times from a shared
// PlaybackClock.
type Pipeline struct {
	pc   *timeline.PlaybackClock
	hist map[frame.ClipId]*history.Manager
	clk  clock.Clock
	log  *slog.Logger
	sink telemetry.Sink

	mu    sync.Mutex
	clips map[frame.ClipId]*clipState
}

// New constructs a Pipeline reading target times from pc. The
// FrameHistoryManager each clip mirrors its playback-origin frames into
// is supplied per clip to Start.
func New(pc *timeline.PlaybackClock, clk clock.Clock, log *slog.Logger, sink telemetry.Sink) *Pipeline {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &Pipeline{
		pc:    pc,
		hist:  make(map[frame.ClipId]*history.Manager),
		clk:   clk,
		log:   log.With("component", "frame-pipeline"),
		sink:  sink,
		clips: make(map[frame.ClipId]*clipState),
	}
}

// Start begins the decode loop for clip. Idempotent: calling Start
// again for an already-running clip is a no-op (spec §4.6).
func (p *Pipeline) Start(ctx context.Context, clip frame.ClipId, rd reader.WindowedReader, hist *history.Manager, rng ClipRange, frameDuration float64) {
	p.mu.Lock()
	if _, exists := p.clips[clip]; exists {
		p.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	cs := &clipState{
		clip:   clip,
		rd:     rd,
		rng:    rng,
		frameD: frameDuration,
		ring:   &ring{},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.clips[clip] = cs
	p.hist[clip] = hist
	p.mu.Unlock()

	go p.decodeLoop(cctx, cs, hist)
}

// Stop halts the decode loop for clip and clears its ring. Idempotent.
func (p *Pipeline) Stop(clip frame.ClipId) {
	p.mu.Lock()
	cs, exists := p.clips[clip]
	if exists {
		delete(p.clips, clip)
		delete(p.hist, clip)
	}
	p.mu.Unlock()
	if !exists {
		return
	}
	cs.cancel()
	<-cs.done
	cs.ring.clear()
}

// StopAll cancels every active clip's decode task and clears every
// ring (spec §4.6 "stop_all").
func (p *Pipeline) StopAll() {
	p.mu.Lock()
	clips := make([]frame.ClipId, 0, len(p.clips))
	for clip := range p.clips {
		clips = append(clips, clip)
	}
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, clip := range clips {
		clip := clip
		g.Go(func() error {
			p.Stop(clip)
			return nil
		})
	}
	_ = g.Wait()
}

// FrameFor returns the nearest-previous-to-`at` frame for clip, if the
// clip is active and its ring is non-empty.
func (p *Pipeline) FrameFor(clip frame.ClipId, at float64) (*frame.DecodedFrame, bool) {
	p.mu.Lock()
	cs, exists := p.clips[clip]
	p.mu.Unlock()
	if !exists {
		return nil, false
	}
	return cs.ring.frameFor(at)
}

// lookAhead implements spec §4.6: clamp(frame_duration*6, 0.18, 0.6)s.
func lookAhead(frameDuration float64) float64 {
	la := frameDuration * 6
	if la < 0.18 {
		la = 0.18
	}
	if la > 0.6 {
		la = 0.6
	}
	return la
}

func (p *Pipeline) decodeLoop(ctx context.Context, cs *clipState, hist *history.Manager) {
	defer close(cs.done)
	build := func(pts float64, handle any) *frame.DecodedFrame {
		return frame.FromHandle(pts, cs.clip, frame.Playback, handle, nil)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		current := float64(p.pc.Time())
		la := lookAhead(cs.frameD)
		framesNeeded := int(math.Ceil(la / cs.frameD))

		for i := 0; i < framesNeeded; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			target := cs.rng.clamp(current + float64(i)*cs.frameD)

			cs.mu.Lock()
			skip := cs.haveDecode && math.Abs(target-cs.lastDecodeTime) < cs.frameD/2
			cs.mu.Unlock()
			if skip {
				continue
			}

			frm, err := cs.rd.CopyFrame(ctx, target, target, build)
			if err != nil || frm == nil {
				continue
			}

			cs.ring.push(frm)
			if hist != nil {
				hist.Record(frm.Buffer, target, frame.NoVersion, frame.Playback, frm.ByteSize, current)
			}

			cs.mu.Lock()
			cs.lastDecodeTime = target
			cs.haveDecode = true
			cs.mu.Unlock()

			p.emitAVSync(cs.clip, target)
		}

		const floorSleep = 4170 * time.Microsecond
		sleep := time.Duration(cs.frameD / 4 * float64(time.Second))
		if sleep < floorSleep {
			sleep = floorSleep
		}
		if !p.sleep(ctx, sleep) {
			return
		}
	}
}

// emitAVSync is AVSyncMonitor (spec §9 supplement 4): the skew between
// the last delivered video PTS and the published PlaybackClock time,
// emitted once per decode-loop iteration.
func (p *Pipeline) emitAVSync(clip frame.ClipId, deliveredPTS float64) {
	now := p.pc.Time()
	skew := deliveredPTS - float64(now)
	p.sink.Emit(telemetry.Event{Name: telemetry.AVSync, Fields: map[string]any{
		"clip": string(clip), "pts": deliveredPTS, "skew": skew,
	}, Timestamp: p.clk.Now()})
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	t := p.clk.NewTicker(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
