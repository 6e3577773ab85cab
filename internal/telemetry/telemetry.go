// Package telemetry defines the structured event records emitted by the
// scheduler and a pluggable sink to receive them, following spec §6's
// event catalog. The concrete backend (metrics exporter, log shipper) is
// explicitly out of scope; only the emission contract lives here.
package telemetry

import (
	"log/slog"
	"time"
)

// Event names from spec §6.
const (
	ScrubStateChange = "SCRUB_STATE_CHANGE"
	Decode           = "DECODE"
	Coalesce         = "COALESCE"
	HistoryCheck     = "HISTORY_CHECK"
	ReverseLZ        = "REVERSE_LZ"
	StopMetric       = "STOP_METRIC"
	SpotProxyTrigger = "SPOT_PROXY_TRIGGER"
	SpotProxyStart   = "SPOT_PROXY_START"
	SpotProxyReady   = "SPOT_PROXY_READY"
	SpotProxyFail    = "SPOT_PROXY_FAIL"
	SpotProxyHit     = "SPOT_PROXY_HIT"
	SpotProxyLeave   = "SPOT_PROXY_LEAVE"
	SpotProxyStatus  = "SPOT_PROXY_STATUS"
	Tick             = "TICK"
	AVSync           = "AV_SYNC"
)

// Event is a single structured telemetry record: a name, a flat set of
// fields, and the time it was emitted.
type Event struct {
	Name      string
	Fields    map[string]any
	Timestamp time.Time
}

// Sink receives emitted events. Implementations must not block the
// caller for long; the default SlogSink is synchronous but cheap.
type Sink interface {
	Emit(e Event)
}

// SlogSink logs every event at Debug level through a *slog.Logger,
// following zsiec/prism's convention of routing internal diagnostics
// through structured logging rather than a bespoke metrics pipe. This is
// the default sink constructed at startup; production deployments are
// expected to supply their own Sink (e.g. forwarding to a metrics
// backend), which is why Sink is an interface at all.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a Sink that logs events via log. If log is nil,
// slog.Default() is used.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log.With("component", "telemetry")}
}

func (s *SlogSink) Emit(e Event) {
	args := make([]any, 0, len(e.Fields)*2+2)
	args = append(args, "event", e.Name, "ts", e.Timestamp)
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	s.log.Debug("telemetry", args...)
}

var _ Sink = (*SlogSink)(nil)

// Noop discards every event. Useful in tests that don't care about
// telemetry assertions.
type Noop struct{}

func (Noop) Emit(Event) {}

var _ Sink = Noop{}
