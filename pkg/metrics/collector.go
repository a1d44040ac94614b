package metrics

import (
	"os"
	"sync"

	"github.com/ops-relay/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Decode error reasons (low cardinality)
const (
	ReasonInvalidJSON = "invalid_json"
	ReasonNotObject   = "not_object"
	ReasonLineTooLong = "line_too_long"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetActiveConnections func() int
	GetTelemetryStats    func() telemetry.Stats
	GetSweepStats        func() (sweeps, evictions uint64)

	// Info metric (always 1)
	relayInfo *prometheus.Desc

	// Connection metrics
	connectionsActive   *prometheus.Desc
	sessionsTotal       *prometheus.Desc
	sessionsReplaced    *prometheus.Desc
	sessionErrorsTotal  *prometheus.Desc
	sweepsTotal         *prometheus.Desc
	evictionsTotal      *prometheus.Desc
	forwardEvictionsTot *prometheus.Desc

	// Message metrics
	messagesReceived  *prometheus.Desc
	messagesForwarded *prometheus.Desc
	bytesForwarded    *prometheus.Desc
	forwardFailures   *prometheus.Desc
	routingMisses     *prometheus.Desc
	droppedNoDest     *prometheus.Desc
	decodeErrors      *prometheus.Desc

	// Telemetry queue metrics
	telemetrySubmitted *prometheus.Desc
	telemetryDropped   *prometheus.Desc
	telemetryDelivered *prometheus.Desc
	telemetryFailed    *prometheus.Desc
	telemetryPending   *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock        sync.RWMutex
	sessions           float64
	replaced           float64
	forwardEvictions   float64
	received           float64
	forwarded          float64
	forwardedBytes     float64
	failures           float64
	misses             float64
	noDestination      float64
	decodeErrorsByKind map[string]float64
	sessionErrorsByKey map[string]float64
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(name, help, append(labels, "node", "pod"), nil)
}

// NewCollector creates a new metrics collector
func NewCollector(getActiveConnections func() int, getTelemetryStats func() telemetry.Stats) *Collector {
	return &Collector{
		GetActiveConnections: getActiveConnections,
		GetTelemetryStats:    getTelemetryStats,
		relayInfo:            newDesc("ops_relay_info", "Relay process info metric (always 1)."),
		connectionsActive:    newDesc("ops_relay_connections_active", "Number of connections currently in the registry"),
		sessionsTotal:        newDesc("ops_relay_sessions_total", "Total number of accepted and registered sessions"),
		sessionsReplaced:     newDesc("ops_relay_sessions_replaced_total", "Total registrations that replaced an existing entry for the same key"),
		sessionErrorsTotal:   newDesc("ops_relay_session_errors_total", "Total session-level errors by reason", "reason"),
		sweepsTotal:          newDesc("ops_relay_sweeps_total", "Total number of liveness sweeps"),
		evictionsTotal:       newDesc("ops_relay_sweep_evictions_total", "Total connections evicted by the liveness sweeper"),
		forwardEvictionsTot:  newDesc("ops_relay_forward_evictions_total", "Total connections evicted after a failed forward"),
		messagesReceived:     newDesc("ops_relay_messages_received_total", "Total envelopes decoded from clients"),
		messagesForwarded:    newDesc("ops_relay_messages_forwarded_total", "Total envelopes written to a destination peer"),
		bytesForwarded:       newDesc("ops_relay_forwarded_bytes_total", "Total bytes written to destination peers"),
		forwardFailures:      newDesc("ops_relay_forward_failures_total", "Total forwards that failed to write to the destination peer"),
		routingMisses:        newDesc("ops_relay_routing_misses_total", "Total envelopes whose destination was not connected"),
		droppedNoDest:        newDesc("ops_relay_dropped_no_destination_total", "Total envelopes dropped for lacking a destination field"),
		decodeErrors:         newDesc("ops_relay_decode_errors_total", "Total lines that could not be decoded by reason", "reason"),
		telemetrySubmitted:   newDesc("ops_relay_telemetry_submitted_total", "Total telemetry events accepted by the queue"),
		telemetryDropped:     newDesc("ops_relay_telemetry_dropped_total", "Total telemetry events dropped because the queue was full"),
		telemetryDelivered:   newDesc("ops_relay_telemetry_delivered_total", "Total telemetry events delivered to the sink"),
		telemetryFailed:      newDesc("ops_relay_telemetry_failed_total", "Total telemetry events the sink rejected"),
		telemetryPending:     newDesc("ops_relay_telemetry_pending", "Telemetry events waiting in the queue"),
		decodeErrorsByKind:   make(map[string]float64),
		sessionErrorsByKey:   make(map[string]float64),
	}
}

// RecordSession records a registered session; replaced is true when it took over an existing key.
func (c *Collector) RecordSession(replaced bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sessions++
	if replaced {
		c.replaced++
	}
}

// RecordSessionError records a session-level error by reason (low cardinality).
func (c *Collector) RecordSessionError(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sessionErrorsByKey[reason]++
}

// RecordReceived records one decoded envelope
func (c *Collector) RecordReceived() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.received++
}

// RecordForwarded records a successful forward of n bytes
func (c *Collector) RecordForwarded(n int) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.forwarded++
	c.forwardedBytes += float64(n)
}

// RecordForwardFailure records a failed forward; evicted is true when the target was removed.
func (c *Collector) RecordForwardFailure(evicted bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.failures++
	if evicted {
		c.forwardEvictions++
	}
}

// RecordRoutingMiss records an envelope whose destination was not connected
func (c *Collector) RecordRoutingMiss() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.misses++
}

// RecordNoDestination records an envelope dropped for lacking a destination
func (c *Collector) RecordNoDestination() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.noDestination++
}

// RecordDecodeError records an undecodable line by reason.
func (c *Collector) RecordDecodeError(reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.decodeErrorsByKind[reason]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.relayInfo
	ch <- c.connectionsActive
	ch <- c.sessionsTotal
	ch <- c.sessionsReplaced
	ch <- c.sessionErrorsTotal
	ch <- c.sweepsTotal
	ch <- c.evictionsTotal
	ch <- c.forwardEvictionsTot
	ch <- c.messagesReceived
	ch <- c.messagesForwarded
	ch <- c.bytesForwarded
	ch <- c.forwardFailures
	ch <- c.routingMisses
	ch <- c.droppedNoDest
	ch <- c.decodeErrors
	ch <- c.telemetrySubmitted
	ch <- c.telemetryDropped
	ch <- c.telemetryDelivered
	ch <- c.telemetryFailed
	ch <- c.telemetryPending
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append(labels, nodeName, podName)...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, append(labels, nodeName, podName)...)
	}

	gauge(c.relayInfo, 1)

	if c.GetActiveConnections != nil {
		gauge(c.connectionsActive, float64(c.GetActiveConnections()))
	}

	if c.GetSweepStats != nil {
		sweeps, evictions := c.GetSweepStats()
		counter(c.sweepsTotal, float64(sweeps))
		counter(c.evictionsTotal, float64(evictions))
	}

	if c.GetTelemetryStats != nil {
		st := c.GetTelemetryStats()
		counter(c.telemetrySubmitted, float64(st.Submitted))
		counter(c.telemetryDropped, float64(st.Dropped))
		counter(c.telemetryDelivered, float64(st.Delivered))
		counter(c.telemetryFailed, float64(st.Failed))
		gauge(c.telemetryPending, float64(st.Pending))
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	counter(c.sessionsTotal, c.sessions)
	counter(c.sessionsReplaced, c.replaced)
	counter(c.forwardEvictionsTot, c.forwardEvictions)
	counter(c.messagesReceived, c.received)
	counter(c.messagesForwarded, c.forwarded)
	counter(c.bytesForwarded, c.forwardedBytes)
	counter(c.forwardFailures, c.failures)
	counter(c.routingMisses, c.misses)
	counter(c.droppedNoDest, c.noDestination)

	for reason, value := range c.decodeErrorsByKind {
		counter(c.decodeErrors, value, reason)
	}
	for reason, value := range c.sessionErrorsByKey {
		counter(c.sessionErrorsTotal, value, reason)
	}
}
