// Package scrubrr defines the domain error kinds shared across the
// scrub/playback scheduler (spec §7). Errors are sentinel values
// compatible with errors.Is/errors.As, not an exception hierarchy —
// matching the plain error-value idiom used throughout zsiec/prism
// (e.g. ingest/srt/server.go's "SRT listen on %s: %w" wrapping).
package scrubrr

import "errors"

// Kind classifies a domain error for dispatch by callers that need to
// react differently to different failure modes (retry, fallback,
// notify SpotProxyManager, etc).
type Kind int

const (
	KindUnknown Kind = iota
	KindCacheMiss
	KindWindowExpired
	KindDecoderMalfunction
	KindFormatMissing
	KindDeadlineExceeded
	KindExportFailed
	KindCancelled
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) to add context
// while remaining errors.Is-compatible.
var (
	// ErrCacheMiss is recoverable: the caller should trigger a prefetch.
	ErrCacheMiss = errors.New("scrubrr: cache miss")
	// ErrWindowExpired means the reader's sliding window no longer
	// covers the requested time; it must be rebuilt.
	ErrWindowExpired = errors.New("scrubrr: window expired")
	// ErrDecoderMalfunction is transient; retry up to 3 times with a
	// short sleep and a recovery hook.
	ErrDecoderMalfunction = errors.New("scrubrr: decoder malfunction")
	// ErrFormatMissing means the sample's format could not be
	// determined; skip it and continue.
	ErrFormatMissing = errors.New("scrubrr: format missing")
	// ErrDeadlineExceeded means a decode could not complete within its
	// hard wall-clock bound; SpotProxyManager should be notified and a
	// best-effort frame returned.
	ErrDeadlineExceeded = errors.New("scrubrr: deadline exceeded")
	// ErrExportFailed means a proxy export failed; the zone falls back
	// to Failed state and callers fall through to the original media.
	ErrExportFailed = errors.New("scrubrr: export failed")
	// ErrCancelled means the work was invalidated (stale epoch, pool
	// shutdown) and should be dropped silently.
	ErrCancelled = errors.New("scrubrr: cancelled")
)

// ClassifyOf returns the Kind for err, or KindUnknown if err does not
// match any sentinel (including nil).
func ClassifyOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrCacheMiss):
		return KindCacheMiss
	case errors.Is(err, ErrWindowExpired):
		return KindWindowExpired
	case errors.Is(err, ErrDecoderMalfunction):
		return KindDecoderMalfunction
	case errors.Is(err, ErrFormatMissing):
		return KindFormatMissing
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, ErrExportFailed):
		return KindExportFailed
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindUnknown
	}
}
