// Package metrics exposes runtime counters through a custom
// prometheus.Collector, following the describe/collect split used by
// the sockstats exporter pack (pkg/exporter/exporter.go) rather than
// registering a flat set of package-level prometheus.NewCounter
// globals — the bus-state and bus-status gauges are computed at Collect
// time from the live errmonitor.Monitor they report on, instead of
// duplicated counters that can drift out of sync. Storage failures,
// gateway connections and wake-ups are plain counters that callers bump
// through the Inc* methods.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonnyyang123/CANopenLinux/pkg/errmonitor"
)

// Collector reports the handful of runtime-health signals this
// integration layer owns: CAN bus state and status bits, storage save
// failures, gateway connection churn and event-loop wake-up sources.
type Collector struct {
	mu sync.Mutex

	busState       *prometheus.Desc
	busErrorStatus *prometheus.Desc
	storageFails   *prometheus.Desc
	gatewayConns   *prometheus.Desc
	wakeupSources  *prometheus.Desc

	interfaces map[string]*errmonitor.Monitor

	storageFailCount uint64
	gatewayConnCount uint64
	wakeupCounts     map[string]uint64
}

// New returns a Collector with no interfaces registered yet; call
// AddInterface for each CAN interface the candriver module opens.
func New(constLabels prometheus.Labels) *Collector {
	return &Collector{
		busState: prometheus.NewDesc("conode_can_bus_state", "Current CAN bus-state machine phase (0=ACTIVE,1=LISTEN_ONLY,2=BUS_OFF)",
			[]string{"interface"}, constLabels),
		busErrorStatus: prometheus.NewDesc("conode_can_bus_error_status", "Accumulated CAN bus/controller status bits",
			[]string{"interface"}, constLabels),
		storageFails: prometheus.NewDesc("conode_storage_save_failures_total", "Cumulative storage save failures",
			nil, constLabels),
		gatewayConns: prometheus.NewDesc("conode_gateway_connections_total", "Cumulative gateway connections accepted",
			nil, constLabels),
		wakeupSources: prometheus.NewDesc("conode_wakeup_events_total", "Cumulative wake-up events by source",
			[]string{"source"}, constLabels),
		interfaces:   make(map[string]*errmonitor.Monitor),
		wakeupCounts: make(map[string]uint64),
	}
}

// AddInterface registers mon for reporting under name.
func (c *Collector) AddInterface(name string, mon *errmonitor.Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interfaces[name] = mon
}

// IncStorageFailure bumps the storage-save-failure counter.
func (c *Collector) IncStorageFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storageFailCount++
}

// IncGatewayConnection bumps the gateway-connections counter.
func (c *Collector) IncGatewayConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gatewayConnCount++
}

// IncWakeup bumps the wake-up counter for the named source ("timer",
// "wakeup", or a collaborator name for fd-sourced events).
func (c *Collector) IncWakeup(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakeupCounts[source]++
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.busState
	descs <- c.busErrorStatus
	descs <- c.storageFails
	descs <- c.gatewayConns
	descs <- c.wakeupSources
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, mon := range c.interfaces {
		metrics <- prometheus.MustNewConstMetric(c.busState, prometheus.GaugeValue, float64(mon.State()), name)
		metrics <- prometheus.MustNewConstMetric(c.busErrorStatus, prometheus.GaugeValue, float64(mon.Status()), name)
	}
	metrics <- prometheus.MustNewConstMetric(c.storageFails, prometheus.CounterValue, float64(c.storageFailCount))
	metrics <- prometheus.MustNewConstMetric(c.gatewayConns, prometheus.CounterValue, float64(c.gatewayConnCount))
	for source, n := range c.wakeupCounts {
		metrics <- prometheus.MustNewConstMetric(c.wakeupSources, prometheus.CounterValue, float64(n), source)
	}
}
