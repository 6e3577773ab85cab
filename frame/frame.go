// Package frame defines the core identity and buffer types that flow
// through the scrub and playback scheduler, from decode through cache
// to renderer binding.
package frame

import "sync/atomic"

// ClipId is an opaque identity, unique per loaded clip.
type ClipId string

// Origin marks why a frame was decoded: as part of steady playback
// look-ahead, or as part of an interactive scrub.
type Origin int

const (
	Playback Origin = iota
	Scrub
)

func (o Origin) String() string {
	if o == Playback {
		return "playback"
	}
	return "scrub"
}

// Direction is the sign of scrub velocity.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// DirectionOf returns Reverse for negative velocity, Forward otherwise
// (zero velocity is Forward, matching the spec's "velocity = 0 ->
// state = Slow" boundary case, which leaves direction unconstrained but
// implementations must pick one consistently).
func DirectionOf(velocityFPS float64) Direction {
	if velocityFPS < 0 {
		return Reverse
	}
	return Forward
}

// ScrubState buckets velocity magnitude into a coarse speed tier.
type ScrubState int

const (
	Idle ScrubState = iota
	Slow
	Medium
	Fast
)

func (s ScrubState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	default:
		return "unknown"
	}
}

// StateFor classifies |velocityFPS| per spec §4.5: Fast above 30fps,
// Medium above 10fps, else Slow.
func StateFor(velocityFPS float64) ScrubState {
	v := velocityFPS
	if v < 0 {
		v = -v
	}
	switch {
	case v > 30:
		return Fast
	case v > 10:
		return Medium
	default:
		return Slow
	}
}

// Epoch is a monotonically increasing generation counter. Work produced
// under epoch E is discarded once the owning coordinator holds an epoch
// greater than E. A frame decoded outside any scrub generation (pure
// playback) carries no epoch.
type Epoch uint64

// Version pairs an Epoch with a flag for "no epoch" (playback origin),
// matching spec's `version: Option<Epoch>`.
type Version struct {
	epoch Epoch
	set   bool
}

// NoVersion is the zero Version: playback origin, version-free.
var NoVersion = Version{}

// NewVersion returns a Version carrying the given epoch.
func NewVersion(e Epoch) Version { return Version{epoch: e, set: true} }

// IsSet reports whether this version carries an epoch (scrub origin).
func (v Version) IsSet() bool { return v.set }

// Epoch returns the carried epoch; valid only if IsSet().
func (v Version) Epoch() Epoch { return v.epoch }

// Equal reports whether two versions denote the same generation.
func (v Version) Equal(other Version) bool {
	return v.set == other.set && (!v.set || v.epoch == other.epoch)
}

// PixelBuffer is a reference-counted, zero-copy handle to decoded pixel
// data produced by an external decoder. It is shared between the cache
// and at most one renderer binding; the underlying storage is released
// back to the decoder (via release) when the last reference drops.
//
// PixelBuffer never copies the pixel data itself — Handle is opaque to
// this package and is whatever the external decoder hands back (a GPU
// surface handle, a pooled CPU buffer, etc).
type PixelBuffer struct {
	Handle  any
	refs    atomic.Int32
	release func(any)
}

// SizedHandle is implemented by decoder handles that can report their
// own memory footprint. build callbacks use it to populate
// DecodedFrame.ByteSize for the byte-budgeted cache (spec §3, §4.2);
// handles that don't implement it contribute a zero estimate.
type SizedHandle interface {
	ByteSize() int64
}

// NewPixelBuffer wraps handle with a single initial reference. release,
// if non-nil, is invoked exactly once when the reference count reaches
// zero.
func NewPixelBuffer(handle any, release func(any)) *PixelBuffer {
	pb := &PixelBuffer{Handle: handle, release: release}
	pb.refs.Store(1)
	return pb
}

// Retain increments the reference count and returns pb, so callers can
// write `bound := buf.Retain()`.
func (pb *PixelBuffer) Retain() *PixelBuffer {
	pb.refs.Add(1)
	return pb
}

// Release decrements the reference count, invoking the release callback
// when it reaches zero. Calling Release more times than the buffer has
// been retained is a caller bug; it is not guarded against, matching the
// unchecked-refcount idiom of the external decoder boundary.
func (pb *PixelBuffer) Release() {
	if pb.refs.Add(-1) == 0 && pb.release != nil {
		pb.release(pb.Handle)
	}
}

// FromHandle builds a DecodedFrame wrapping a decoder handle: handle is
// retained in a fresh single-ref PixelBuffer (release is the decoder's
// own buffer-return callback, nil if the decoder needs none), and
// ByteSize is read off handle via SizedHandle when available.
func FromHandle(pts float64, clip ClipId, origin Origin, handle any, release func(any)) *DecodedFrame {
	var size int64
	if sh, ok := handle.(SizedHandle); ok {
		size = sh.ByteSize()
	}
	return &DecodedFrame{
		Buffer:   NewPixelBuffer(handle, release),
		PTS:      pts,
		Clip:     clip,
		Origin:   origin,
		ByteSize: size,
	}
}

// DecodedFrame is a single decoded picture ready for caching and
// rendering. Lifetime of Buffer is governed by its own refcount; the
// cache and the renderer each hold independent references.
type DecodedFrame struct {
	Buffer   *PixelBuffer
	PTS      float64 // TimelineTime: seconds, finite, non-negative
	Clip     ClipId
	Origin   Origin
	Version  Version
	ByteSize int64 // decoder-reported size of Buffer, for cache budgeting
}
