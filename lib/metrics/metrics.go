// Package metrics provides counters, gauges and histograms for the
// node, exposed in Prometheus text format on the admin web server.
// Instruments register themselves at construction, so packages declare
// their metrics as vars and never touch the registry.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// instrument is anything the registry can expose.
type instrument interface {
	metricName() string
	expose(w io.Writer)
}

var registry = struct {
	mu          sync.RWMutex
	instruments []instrument
}{}

func register(in instrument) {
	registry.mu.Lock()
	registry.instruments = append(registry.instruments, in)
	registry.mu.Unlock()
}

// Expose renders every registered instrument in Prometheus text
// exposition format, sorted by name.
func Expose() string {
	registry.mu.RLock()
	ins := make([]instrument, len(registry.instruments))
	copy(ins, registry.instruments)
	registry.mu.RUnlock()

	sort.Slice(ins, func(i, j int) bool { return ins[i].metricName() < ins[j].metricName() })

	var sb strings.Builder
	for _, in := range ins {
		in.expose(&sb)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Handler serves the exposition text.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		io.WriteString(w, Expose())
	})
}

// Counter is a monotonically increasing value.
type Counter struct {
	value atomic.Uint64
	name  string
	help  string
}

// NewCounter creates and registers a counter.
func NewCounter(name, help string) *Counter {
	c := &Counter{name: name, help: help}
	register(c)
	return c
}

// Inc adds 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) metricName() string { return c.name }

func (c *Counter) expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		c.name, c.help, c.name, c.name, c.Value())
}

// Gauge is a value that moves both ways.
type Gauge struct {
	value atomic.Int64
	name  string
	help  string
}

// NewGauge creates and registers a gauge.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	register(g)
	return g
}

// Set stores v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc adds 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec subtracts 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) metricName() string { return g.name }

func (g *Gauge) expose(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n",
		g.name, g.help, g.name, g.name, g.Value())
}

// Histogram tracks a distribution over cumulative buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	bounds  []float64
	counts  []uint64
	sum     float64
	samples uint64
}

// NewHistogram creates and registers a histogram with the given bucket
// upper bounds, which must be sorted ascending.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	h := &Histogram{
		name:   name,
		help:   help,
		bounds: bounds,
		counts: make([]uint64, len(bounds)),
	}
	register(h)
	return h
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.samples++
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
		}
	}
}

func (h *Histogram) metricName() string { return h.name }

func (h *Histogram) expose(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for i, b := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", h.name, fmt.Sprintf("%g", b), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.samples)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.samples)
}

// Node metrics, grouped by subsystem.
var (
	// Frame metrics
	FramesReceived = NewCounter("nowlink_frames_received_total", "Total frames received")
	FramesSent     = NewCounter("nowlink_frames_sent_total", "Total frames sent")
	FramesDropped  = NewCounter("nowlink_frames_dropped_total", "Frames dropped by the inbound queue")
	FramesInvalid  = NewCounter("nowlink_frames_invalid_total", "Frames rejected by parsing or checksum")
	FramesForeign  = NewCounter("nowlink_frames_foreign_total", "Frames dropped for coming from an unregistered sender")
	SendFailures   = NewCounter("nowlink_send_failures_total", "Unicast sends without link acknowledgement")

	// Link metrics
	LinkConnected   = NewGauge("nowlink_link_connected", "Whether the peer link is connected (1=yes, 0=no)")
	LinkQualityPct  = NewGauge("nowlink_link_quality_percent", "Link quality over the recent send window")
	Disconnects     = NewCounter("nowlink_disconnects_total", "Total connection losses")
	DiscoveryProbes = NewCounter("nowlink_discovery_probes_total", "Total discovery probes sent")
	ChannelLocks    = NewCounter("nowlink_channel_locks_total", "Total successful channel locks")

	// Heartbeat metrics
	HeartbeatsSent   = NewCounter("nowlink_heartbeats_sent_total", "Total heartbeats sent")
	HeartbeatsAcked  = NewCounter("nowlink_heartbeats_acked_total", "Total heartbeat acknowledgements received")
	HeartbeatsMissed = NewCounter("nowlink_heartbeats_missed_total", "Total heartbeat acknowledgements missed")
	PeerReboots      = NewCounter("nowlink_peer_reboots_total", "Peer reboots detected by sequence regression")

	// Config sync metrics
	SnapshotsSent       = NewCounter("nowlink_snapshots_sent_total", "Total config snapshots transmitted")
	SnapshotsReceived   = NewCounter("nowlink_snapshots_received_total", "Total config snapshots installed")
	SnapshotsFailed     = NewCounter("nowlink_snapshots_failed_total", "Snapshot transfers that failed or timed out")
	DeltasApplied       = NewCounter("nowlink_deltas_applied_total", "Config delta updates applied")
	DeltasRejected      = NewCounter("nowlink_deltas_rejected_total", "Config delta updates rejected")
	BeaconsSent         = NewCounter("nowlink_beacons_sent_total", "Version beacons broadcast")
	SectionResyncs      = NewCounter("nowlink_section_resyncs_total", "Stale sections re-requested after a beacon")
	ConfigGlobalVersion = NewGauge("nowlink_config_global_version", "Current global configuration version")

	// Uptime
	StartTime = NewGauge("nowlink_start_time_seconds", "Unix timestamp when the node started")

	// Rate limiting
	RateLimitRejections = NewCounter("nowlink_ratelimit_rejections_total", "Sends deferred by outbound rate limiting")
)

// RecordStartTime stamps StartTime with the current time.
func RecordStartTime() {
	StartTime.Set(time.Now().Unix())
}
