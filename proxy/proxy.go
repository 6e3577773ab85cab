// Package proxy implements SpotProxyManager (spec §4.7): on sustained
// deadline misses, export a time-bounded, lower-cost proxy clip and
// redirect future decisions for that region to it. Grounded on
// zsiec/prism's distribution/relay.go LRU-bounded per-viewer map (the
// closest teacher analogue of "bounded set of zones, evicted LRU over a
// max count, with a TTL on top") for the zone bookkeeping shape.
package proxy

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/scrubcore/frame"
	"github.com/zsiec/scrubcore/internal/clock"
	"github.com/zsiec/scrubcore/internal/scrubrr"
	"github.com/zsiec/scrubcore/internal/telemetry"
)

// State is a ProxyZone's lifecycle state (spec §4.7 state machine).
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ZoneKey identifies a proxy candidate: a clip bucketed at
// bucket_span_ms resolution.
type ZoneKey struct {
	Clip   frame.ClipId
	Bucket int64
}

// ProxyZone is the spec's ProxyZone record.
type ProxyZone struct {
	Key           ZoneKey
	RangeMs       [2]int64
	ExportRangeMs [2]int64
	State         State
	URL           string
	AnchorMs      int64
	Reason        string
	Context       string
	CreatedAt     time.Time
	LastAccess    time.Time
}

// ExportRequest describes one export job handed to an Exporter.
type ExportRequest struct {
	Clip       frame.ClipId
	Zone       ZoneKey
	StartMs    int64
	DurationMs int64
}

// Exporter is the external collaborator that materializes a proxy clip
// file (ProRes 422 Proxy preferred, falling back to highest-quality
// then passthrough per spec §4.7); out of scope for this module beyond
// this contract.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) (path string, err error)
	Remove(path string) error
}

// EnsureRequest is the input to Ensure (spec's ensure_spot_proxy).
type EnsureRequest struct {
	Clip       frame.ClipId
	AroundMs   int64
	SpanMs     int64
	Reason     string
	Context    string
	RAAnchorMs *int64
}

// Config tunes zoning, capacity, and failure-detection thresholds
// (spec §6).
type Config struct {
	MaxZones            int
	ZoneTTL             time.Duration
	BucketSpanMs        int64
	LateFrameThreshold  int
	LateFrameWindowMs   int64
	ProxyExportMarginMs int64
}

type lateFrameRecord struct {
	at time.Time
	ms int64
}

// Manager is SpotProxyManager.
type Manager struct {
	cfg      Config
	clk      clock.Clock
	log      *slog.Logger
	sink     telemetry.Sink
	exporter Exporter

	mu    sync.Mutex
	zones map[ZoneKey]*ProxyZone
	lru   *list.List // front = most recently used; elements are ZoneKey
	elems map[ZoneKey]*list.Element

	lateFrames     map[frame.ClipId][]lateFrameRecord
	pendingTrigger map[frame.ClipId]int64
}

// NewManager constructs a Manager.
func NewManager(cfg Config, exporter Exporter, clk clock.Clock, log *slog.Logger, sink telemetry.Sink) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &Manager{
		cfg:            cfg,
		clk:            clk,
		log:            log.With("component", "spot-proxy-manager"),
		sink:           sink,
		exporter:       exporter,
		zones:          make(map[ZoneKey]*ProxyZone),
		lru:            list.New(),
		elems:          make(map[ZoneKey]*list.Element),
		lateFrames:     make(map[frame.ClipId][]lateFrameRecord),
		pendingTrigger: make(map[frame.ClipId]int64),
	}
}

func bucketOf(ms, span int64) int64 {
	if span <= 0 {
		return 0
	}
	return ms / span
}

// EnsureSpotProxy satisfies worker.SpotProxyRequester, the narrow
// interface ScrubWorker calls on deadline failure or reverse watchdog
// timeout (spec §9 supplement 3). The worker passes no timeline
// position, so it builds a default EnsureRequest spanning one bucket
// around AroundMs 0 (bucket 0); callers that know the exact timing
// should call Ensure directly. This adapter exists purely so *Manager
// satisfies worker.SpotProxyRequester without the worker package
// importing proxy.
func (m *Manager) EnsureSpotProxy(ctx context.Context, clip frame.ClipId, reason string) {
	m.Ensure(ctx, EnsureRequest{
		Clip:     clip,
		AroundMs: 0,
		SpanMs:   m.cfg.BucketSpanMs,
		Reason:   reason,
	})
}

// Ensure implements ensure_spot_proxy (spec §4.7).
func (m *Manager) Ensure(ctx context.Context, req EnsureRequest) *ProxyZone {
	m.pruneExpired()

	span := req.SpanMs
	if span <= 0 {
		span = m.cfg.BucketSpanMs
	}
	start := req.AroundMs - span/2
	if start < 0 {
		start = 0
	}
	if req.RAAnchorMs != nil && *req.RAAnchorMs > start {
		start = *req.RAAnchorMs
	}
	margin := m.cfg.ProxyExportMarginMs
	exportStart := start - margin
	if exportStart < 0 {
		exportStart = 0
	}
	duration := span
	if span+2*margin > duration {
		duration = span + 2*margin
	}

	key := ZoneKey{Clip: req.Clip, Bucket: bucketOf(req.AroundMs, m.cfg.BucketSpanMs)}

	m.mu.Lock()
	existing, ok := m.zones[key]
	now := m.clk.Now()
	if ok {
		widened := false
		lo, hi := existing.RangeMs[0], existing.RangeMs[1]
		if start < lo {
			lo = start
			widened = true
		}
		if start+span > hi {
			hi = start + span
			widened = true
		}
		existing.RangeMs = [2]int64{lo, hi}
		existing.LastAccess = now
		m.touchLocked(key)
		if widened || existing.State == Failed {
			existing.ExportRangeMs = [2]int64{exportStart, exportStart + duration}
			existing.State = Pending
		}
		zone := existing
		m.mu.Unlock()
		if widened || zone.State == Pending {
			m.export(ctx, zone)
		}
		return zone
	}

	zone := &ProxyZone{
		Key:           key,
		RangeMs:       [2]int64{start, start + span},
		ExportRangeMs: [2]int64{exportStart, exportStart + duration},
		State:         Pending,
		AnchorMs:      req.AroundMs,
		Reason:        req.Reason,
		Context:       req.Context,
		CreatedAt:     now,
		LastAccess:    now,
	}
	m.zones[key] = zone
	m.elems[key] = m.lru.PushFront(key)
	m.enforceCapacityLocked()
	m.mu.Unlock()

	m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyStart, Fields: map[string]any{
		"clip": string(req.Clip), "bucket": key.Bucket, "reason": req.Reason,
	}, Timestamp: now})

	m.export(ctx, zone)
	return zone
}

func (m *Manager) export(ctx context.Context, zone *ProxyZone) {
	if m.exporter == nil {
		return
	}
	path, err := m.exporter.Export(ctx, ExportRequest{
		Clip:       zone.Key.Clip,
		Zone:       zone.Key,
		StartMs:    zone.ExportRangeMs[0],
		DurationMs: zone.ExportRangeMs[1] - zone.ExportRangeMs[0],
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, stillTracked := m.zones[zone.Key]; !stillTracked {
		return
	}
	if err != nil {
		wrapped := fmt.Errorf("proxy: export %s bucket %d: %w: %v", zone.Key.Clip, zone.Key.Bucket, scrubrr.ErrExportFailed, err)
		zone.State = Failed
		m.log.Warn("spot proxy export failed", "err", wrapped)
		m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyFail, Fields: map[string]any{
			"clip": string(zone.Key.Clip), "bucket": zone.Key.Bucket, "err": wrapped.Error(),
		}, Timestamp: m.clk.Now()})
		return
	}
	if zone.URL != "" && zone.URL != path && m.exporter != nil {
		_ = m.exporter.Remove(zone.URL)
	}
	zone.URL = path
	zone.State = Ready
	m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyReady, Fields: map[string]any{
		"clip": string(zone.Key.Clip), "bucket": zone.Key.Bucket, "url": path,
	}, Timestamp: m.clk.Now()})
}

// Decision implements decision(clip, abs_ms): the first Ready zone
// whose range contains abs_ms, else "Original".
func (m *Manager) Decision(clip frame.ClipId, absMs int64) (url string, isProxy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, zone := range m.zones {
		if key.Clip != clip || zone.State != Ready {
			continue
		}
		if absMs >= zone.RangeMs[0] && absMs <= zone.RangeMs[1] {
			zone.LastAccess = m.clk.Now()
			m.touchLocked(key)
			m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyHit, Fields: map[string]any{
				"clip": string(clip), "bucket": key.Bucket,
			}, Timestamp: m.clk.Now()})
			return zone.URL, true
		}
	}
	m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyLeave, Fields: map[string]any{
		"clip": string(clip), "abs_ms": absMs,
	}, Timestamp: m.clk.Now()})
	return "", false
}

// RecordLateFrame maintains the per-clip ring of late-frame timestamps
// and latches a trigger once >= late_frame_threshold occur within
// late_frame_window_ms (spec §4.7).
func (m *Manager) RecordLateFrame(clip frame.ClipId, absMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	records := append(m.lateFrames[clip], lateFrameRecord{at: now, ms: absMs})
	window := time.Duration(m.cfg.LateFrameWindowMs) * time.Millisecond
	kept := records[:0]
	for _, r := range records {
		if now.Sub(r.at) <= window {
			kept = append(kept, r)
		}
	}
	m.lateFrames[clip] = kept

	m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyStatus, Fields: map[string]any{
		"clip": string(clip), "late_frames": len(kept), "threshold": m.cfg.LateFrameThreshold,
	}, Timestamp: now})

	if len(kept) >= m.cfg.LateFrameThreshold && m.cfg.LateFrameThreshold > 0 {
		m.pendingTrigger[clip] = absMs
		m.sink.Emit(telemetry.Event{Name: telemetry.SpotProxyTrigger, Fields: map[string]any{
			"clip": string(clip), "abs_ms": absMs, "count": len(kept),
		}, Timestamp: now})
	}
}

// ConsumeLateFrameTrigger returns and clears the latched trigger for
// clip, if any.
func (m *Manager) ConsumeLateFrameTrigger(clip frame.ClipId) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	absMs, ok := m.pendingTrigger[clip]
	if ok {
		delete(m.pendingTrigger, clip)
	}
	return absMs, ok
}

// pruneExpired removes zones whose last access exceeds ZoneTTL,
// deleting their exported files.
func (m *Manager) pruneExpired() {
	if m.cfg.ZoneTTL <= 0 {
		return
	}
	m.mu.Lock()
	now := m.clk.Now()
	var expired []*ProxyZone
	for key, zone := range m.zones {
		if now.Sub(zone.LastAccess) > m.cfg.ZoneTTL {
			expired = append(expired, zone)
			delete(m.zones, key)
			if el, ok := m.elems[key]; ok {
				m.lru.Remove(el)
				delete(m.elems, key)
			}
		}
	}
	m.mu.Unlock()

	for _, zone := range expired {
		m.removeFile(zone)
	}
}

func (m *Manager) removeFile(zone *ProxyZone) {
	if zone.URL == "" || m.exporter == nil {
		return
	}
	if err := m.exporter.Remove(zone.URL); err != nil {
		m.log.Warn("failed to remove proxy file", "url", zone.URL, "err", err)
	}
}

// touchLocked moves key to the front of the LRU list; caller holds mu.
func (m *Manager) touchLocked(key ZoneKey) {
	if el, ok := m.elems[key]; ok {
		m.lru.MoveToFront(el)
	}
}

// enforceCapacityLocked evicts the least-recently-used zone(s) until
// len(zones) <= MaxZones; caller holds mu.
func (m *Manager) enforceCapacityLocked() {
	capacity := m.cfg.MaxZones
	if capacity <= 0 {
		return
	}
	for len(m.zones) > capacity {
		back := m.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(ZoneKey)
		zone := m.zones[key]
		m.lru.Remove(back)
		delete(m.elems, key)
		delete(m.zones, key)
		if zone != nil {
			go m.removeFile(zone)
		}
	}
}
