// Package metrics exposes the mesh core's internal telemetry as
// Prometheus collectors: per-dock Status-frame voltage/current/pending
// counters, and routing-table size/churn gauges. Each collector
// snapshots live telemetry on every Collect() call rather than pushing
// a metric on every event: Status frames and route-table mutations
// arrive on their own cadence (a dock interrupt, a periodic
// advertisement), not on the scrape's.
//
// Dock status reaches the DockCollector over the bus, not through a
// direct callback: each dock's OnStatus publishes the frame retained on
// its status topic (see PublishStatus), and a Watch-ing collector
// subscribes with a wildcard, so a collector attached after boot still
// replays every dock's last frame.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"dockmesh-go/bus"
	"dockmesh-go/dock"
	"dockmesh-go/routing"
	"dockmesh-go/x/timex"
)

// DockStatusTopic is the retained bus topic a dock's most recent Status
// frame is published under.
func DockStatusTopic(name string) bus.Topic { return bus.T("dock", name, "status") }

// dockStatusPattern matches every dock's status topic.
var dockStatusPattern = bus.T("dock", "+", "status")

// DockCollector exposes the most recent Status frame observed from
// each dock publishing on the bus. Wire it up by installing
// PublishStatus as each Dock's Callbacks.OnStatus and calling Watch
// once; DockCollector never blocks or touches the link itself.
type DockCollector struct {
	mu     sync.Mutex
	last   map[string]dock.Status
	seenMs map[string]int64

	intVoltage, intCurrent, extVoltage, extCurrent *prometheus.Desc
	pendingSend, pendingReceive, statusSeen        *prometheus.Desc
}

// NewDockCollector constructs a DockCollector. prefix names the metric
// family (e.g. "dockmesh").
func NewDockCollector(prefix string) *DockCollector {
	labels := []string{"dock"}
	return &DockCollector{
		last:           make(map[string]dock.Status),
		seenMs:         make(map[string]int64),
		intVoltage:     prometheus.NewDesc(prefix+"_dock_internal_voltage", "Most recently reported internal voltage (V).", labels, nil),
		intCurrent:     prometheus.NewDesc(prefix+"_dock_internal_current", "Most recently reported internal current (A).", labels, nil),
		extVoltage:     prometheus.NewDesc(prefix+"_dock_external_voltage", "Most recently reported external voltage (V).", labels, nil),
		extCurrent:     prometheus.NewDesc(prefix+"_dock_external_current", "Most recently reported external current (A).", labels, nil),
		pendingSend:    prometheus.NewDesc(prefix+"_dock_pending_send", "Peer-reported pending_send counter from the last Status frame.", labels, nil),
		pendingReceive: prometheus.NewDesc(prefix+"_dock_pending_receive", "Peer-reported pending_receive counter from the last Status frame.", labels, nil),
		statusSeen:     prometheus.NewDesc(prefix+"_dock_status_timestamp_ms", "Unix milliseconds of the last Status frame observed; a stale value means the dock has gone quiet.", labels, nil),
	}
}

// PublishStatus returns the callback to install as a dock's
// Callbacks.OnStatus: every successful Status exchange is published
// retained on the dock's status topic, where a Watch-ing collector (and
// anything else on the bus) picks it up. Publication is best-effort and
// never blocks the Link Serializer worker the callback runs on.
func PublishStatus(conn *bus.Connection, name string) func(dock.Status) {
	topic := DockStatusTopic(name)
	return func(s dock.Status) {
		conn.Publish(&bus.Message{Topic: topic, Payload: s, Retained: true})
	}
}

// Watch subscribes the collector to every dock's status topic and
// consumes frames until the subscription is torn down (Unsubscribe, or
// Disconnect on conn). Retained frames replay on subscribe, so a
// collector attached late still sees every dock's last Status. A nil
// payload (a retained delete) drops that dock's snapshot.
func (d *DockCollector) Watch(conn *bus.Connection) *bus.Subscription {
	sub := conn.Subscribe(dockStatusPattern)
	go func() {
		for m := range sub.Channel() {
			if len(m.Topic) != 3 {
				continue
			}
			name, ok := m.Topic[1].(string)
			if !ok {
				continue
			}
			s, ok := m.Payload.(dock.Status)
			if !ok {
				if m.Payload == nil {
					d.Remove(name)
				}
				continue
			}
			d.mu.Lock()
			d.last[name] = s
			d.seenMs[name] = timex.NowMs()
			d.mu.Unlock()
		}
	}()
	return sub
}

// Remove drops a dock's snapshot, e.g. once its connector is physically
// detached and its Dock/Serializer wiring torn down.
func (d *DockCollector) Remove(name string) {
	d.mu.Lock()
	delete(d.last, name)
	delete(d.seenMs, name)
	d.mu.Unlock()
}

func (d *DockCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- d.intVoltage
	descs <- d.intCurrent
	descs <- d.extVoltage
	descs <- d.extCurrent
	descs <- d.pendingSend
	descs <- d.pendingReceive
	descs <- d.statusSeen
}

func (d *DockCollector) Collect(metrics chan<- prometheus.Metric) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, s := range d.last {
		metrics <- prometheus.MustNewConstMetric(d.intVoltage, prometheus.GaugeValue, float64(s.IntVoltage), name)
		metrics <- prometheus.MustNewConstMetric(d.intCurrent, prometheus.GaugeValue, float64(s.IntCurrent), name)
		metrics <- prometheus.MustNewConstMetric(d.extVoltage, prometheus.GaugeValue, float64(s.ExtVoltage), name)
		metrics <- prometheus.MustNewConstMetric(d.extCurrent, prometheus.GaugeValue, float64(s.ExtCurrent), name)
		metrics <- prometheus.MustNewConstMetric(d.pendingSend, prometheus.GaugeValue, float64(s.PendingSend), name)
		metrics <- prometheus.MustNewConstMetric(d.pendingReceive, prometheus.GaugeValue, float64(s.PendingReceive), name)
		metrics <- prometheus.MustNewConstMetric(d.statusSeen, prometheus.GaugeValue, float64(d.seenMs[name]), name)
	}
}

// RoutingCollector exposes the routing core's table size and lifetime
// advertisement counters.
type RoutingCollector struct {
	core *routing.Core

	routeCount                     *prometheus.Desc
	advSent, advReceived, advDropped, routesExpired *prometheus.Desc
}

// NewRoutingCollector wraps core; core's own mutex guards the snapshot
// Routes()/Stats() take, so no extra locking is needed here.
func NewRoutingCollector(prefix string, core *routing.Core) *RoutingCollector {
	return &RoutingCollector{
		core:          core,
		routeCount:    prometheus.NewDesc(prefix+"_routing_table_size", "Number of routes currently held.", nil, nil),
		advSent:       prometheus.NewDesc(prefix+"_routing_advertisements_sent_total", "Advertisement frames successfully sent.", nil, nil),
		advReceived:   prometheus.NewDesc(prefix+"_routing_advertisements_received_total", "Advertisement frames received and applied.", nil, nil),
		advDropped:    prometheus.NewDesc(prefix+"_routing_advertisements_dropped_total", "Malformed advertisements or failed sends.", nil, nil),
		routesExpired: prometheus.NewDesc(prefix+"_routing_routes_expired_total", "Routes aged out since start.", nil, nil),
	}
}

func (r *RoutingCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- r.routeCount
	descs <- r.advSent
	descs <- r.advReceived
	descs <- r.advDropped
	descs <- r.routesExpired
}

func (r *RoutingCollector) Collect(metrics chan<- prometheus.Metric) {
	sent, received, expired, dropped := r.core.Stats()
	metrics <- prometheus.MustNewConstMetric(r.routeCount, prometheus.GaugeValue, float64(len(r.core.Routes())))
	metrics <- prometheus.MustNewConstMetric(r.advSent, prometheus.CounterValue, float64(sent))
	metrics <- prometheus.MustNewConstMetric(r.advReceived, prometheus.CounterValue, float64(received))
	metrics <- prometheus.MustNewConstMetric(r.advDropped, prometheus.CounterValue, float64(dropped))
	metrics <- prometheus.MustNewConstMetric(r.routesExpired, prometheus.CounterValue, float64(expired))
}
