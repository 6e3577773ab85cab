// Package history implements FrameHistoryManager (spec §4.2): a
// byte-budgeted cache of recently decoded frames, biased to evict
// entries far from the current anchor first. Grounded on
// zsiec/prism's distribution/relay.go GOP cache (byte/age bounded,
// RWMutex-guarded) and on other_examples' tidstrom streambuffer
// (sorted ring with drop/trim counters) and Gopher2600 rewind.go
// (nearest-key snapshot lookup).
package history

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/internal/clock"
)

// HistoryEntry is a single cached, decoded frame plus the bookkeeping
// needed for anchor-biased eviction.
type HistoryEntry struct {
	Time       float64
	Buffer     *frame.PixelBuffer
	Version    frame.Version
	Source     frame.Origin
	ByteSize   int64
	LastAccess time.Time
}

// Config tunes the eviction policy (spec §6 cache_* options).
type Config struct {
	ByteBudget         int64
	BiasWindowFrames   int
	FrameDuration      float64
	ByteWeight         float64
	ScrubPriorityBoost float64
	MaxAgeSec          float64 // 0 disables the age cutoff
}

// Manager is a bounded mapping from (clip, time) to DecodedFrame for a
// single clip, with anchor-biased eviction under a byte budget. Callers
// are expected to serialize access per spec's "all on one thread;
// callers serialize" contract; the internal mutex exists defensively
// (matching prism's Relay, which documents single-writer semantics but
// still guards its maps) rather than as the primary concurrency model.
type Manager struct {
	log *slog.Logger
	clk clock.Clock
	cfg Config

	mu           sync.Mutex
	entries      []*HistoryEntry // sorted by Time
	currentBytes int64
}

// NewManager constructs a Manager. If log is nil, slog.Default() is
// used; if clk is nil, the real wall clock is used.
func NewManager(cfg Config, clk clock.Clock, log *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log: log.With("component", "frame-history"),
		clk: clk,
		cfg: cfg,
	}
}

// Record inserts a decoded frame at `at`, then prunes expired entries
// and evicts by score until the byte budget is satisfied.
func (m *Manager) Record(buf *frame.PixelBuffer, at float64, version frame.Version, source frame.Origin, byteSize int64, anchor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	e := &HistoryEntry{
		Time:       at,
		Buffer:     buf,
		Version:    version,
		Source:     source,
		ByteSize:   byteSize,
		LastAccess: now,
	}
	m.entries = append(m.entries, e)
	m.currentBytes += byteSize
	m.sortLocked()
	m.expireLocked(anchor)
	m.trimLocked(anchor)
}

// Prune removes expired entries and re-evicts relative to anchor,
// without inserting anything new.
func (m *Manager) Prune(anchor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(anchor)
	m.trimLocked(anchor)
}

func (m *Manager) sortLocked() {
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].Time < m.entries[j].Time })
}

func (m *Manager) expireLocked(anchor float64) {
	if m.cfg.MaxAgeSec <= 0 {
		return
	}
	cutoff := anchor - m.cfg.MaxAgeSec
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Time < cutoff {
			m.releaseLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
}

func (m *Manager) releaseLocked(e *HistoryEntry) {
	m.currentBytes -= e.ByteSize
	if e.Buffer != nil {
		e.Buffer.Release()
	}
}

// score computes the eviction score for e given anchor and now; higher
// means "evict first" (spec §4.2).
func (m *Manager) score(e *HistoryEntry, anchor float64, now time.Time) float64 {
	biasWindow := float64(m.cfg.BiasWindowFrames) * m.cfg.FrameDuration
	dist := e.Time - anchor
	if dist < 0 {
		dist = -dist
	}
	outsideBias := dist - biasWindow
	if outsideBias < 0 {
		outsideBias = 0
	}
	age := now.Sub(e.LastAccess).Seconds()
	score := outsideBias*1000 + age + m.cfg.ByteWeight*float64(e.ByteSize)
	if e.Source == frame.Scrub {
		score -= m.cfg.ScrubPriorityBoost
	}
	return score
}

func (m *Manager) trimLocked(anchor float64) {
	now := m.clk.Now()
	for m.currentBytes > m.cfg.ByteBudget && len(m.entries) > 0 {
		worstIdx := -1
		var worstScore float64
		for i, e := range m.entries {
			s := m.score(e, anchor, now)
			if worstIdx == -1 || s > worstScore {
				worstIdx = i
				worstScore = s
			}
		}
		if worstIdx == -1 {
			break
		}
		m.releaseLocked(m.entries[worstIdx])
		m.entries = append(m.entries[:worstIdx], m.entries[worstIdx+1:]...)
	}
}

// Validator decides whether a candidate entry satisfies a best_frame
// search pass.
type Validator func(*HistoryEntry) bool

// PreferredVersion accepts entries whose version equals v exactly.
func PreferredVersion(v frame.Version) Validator {
	return func(e *HistoryEntry) bool { return e.Version.Equal(v) }
}

// NoVersion accepts playback-origin (version-free) entries.
func NoVersion() Validator {
	return func(e *HistoryEntry) bool { return !e.Version.IsSet() }
}

// Any accepts every entry.
func Any() Validator { return func(*HistoryEntry) bool { return true } }

// BestFrame searches for the nearest entry <= `at` first, then the
// nearest entry > `at`, across three passes in order: version ==
// preferredVersion, version == None, then any version. The first hit
// across all three passes wins, and touching it updates LastAccess.
func (m *Manager) BestFrame(at float64, preferredVersion frame.Version) (*HistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	passes := []Validator{PreferredVersion(preferredVersion), NoVersion(), Any()}
	for _, valid := range passes {
		if e := m.nearestLocked(at, valid); e != nil {
			e.LastAccess = m.clk.Now()
			return e, true
		}
	}
	return nil, false
}

// nearestLocked implements the nearest-previous-then-nearest-next search
// for a single validator pass. Entries are sorted by Time.
func (m *Manager) nearestLocked(at float64, valid Validator) *HistoryEntry {
	var best *HistoryEntry
	// nearest <= at
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Time <= at && valid(e) {
			best = e
			break
		}
	}
	if best != nil {
		return best
	}
	// nearest > at
	for _, e := range m.entries {
		if e.Time > at && valid(e) {
			return e
		}
	}
	return nil
}

// Frame returns the entry at `at` within tolerance, if any, touching
// its LastAccess.
func (m *Manager) Frame(at float64, tolerance float64) (*HistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		d := e.Time - at
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			e.LastAccess = m.clk.Now()
			return e, true
		}
	}
	return nil, false
}

// Latest returns the entry with the greatest Time, if any.
func (m *Manager) Latest() (*HistoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[len(m.entries)-1], true
}

// Count returns the number of entries with Time in [lo, hi].
func (m *Manager) Count(lo, hi float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Time >= lo && e.Time <= hi {
			n++
		}
	}
	return n
}

// Times returns the sorted times of entries with Time in [lo, hi].
func (m *Manager) Times(lo, hi float64) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for _, e := range m.entries {
		if e.Time >= lo && e.Time <= hi {
			out = append(out, e.Time)
		}
	}
	return out
}

// RemoveBefore drops (and releases) every entry with Time < cutoff.
func (m *Manager) RemoveBefore(cutoff float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Time < cutoff {
			m.releaseLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
}

// RemoveAfter drops (and releases) every entry with Time > cutoff.
func (m *Manager) RemoveAfter(cutoff float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Time > cutoff {
			m.releaseLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
}

// Clear drops and releases every entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		m.releaseLocked(e)
	}
	m.entries = nil
	m.currentBytes = 0
}

// CurrentBytes returns the current total byte size of cached entries,
// for invariant checks and telemetry.
func (m *Manager) CurrentBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBytes
}
