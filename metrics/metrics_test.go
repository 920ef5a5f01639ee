package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dockmesh-go/bus"
	"dockmesh-go/dock"
	"dockmesh-go/routing"
)

func collectAll(c prometheus.Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	done := make(chan struct{})
	var out []prometheus.Metric
	go func() {
		for m := range ch {
			out = append(out, m)
		}
		close(done)
	}()
	c.Collect(ch)
	close(ch)
	<-done
	return out
}

// waitForMetrics polls until the collector exposes want metrics; the
// Watch goroutine consumes bus messages asynchronously.
func waitForMetrics(t *testing.T, c prometheus.Collector, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(collectAll(c)) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("got %d metrics, want %d", len(collectAll(c)), want)
}

func TestDockCollector_ReportsStatusPublishedOnBus(t *testing.T) {
	b := bus.NewBus(4)
	dc := NewDockCollector("test")
	dc.Watch(b.NewConnection("metrics"))

	PublishStatus(b.NewConnection("dock0"), "dockA")(dock.Status{IntVoltage: 5.0, PendingReceive: 2})

	waitForMetrics(t, dc, 7)
}

func TestDockCollector_RetainedStatusReplaysToLateWatcher(t *testing.T) {
	b := bus.NewBus(4)
	PublishStatus(b.NewConnection("dock0"), "dockA")(dock.Status{})

	// Watch attaches after the publish; the retained frame replays.
	dc := NewDockCollector("test")
	dc.Watch(b.NewConnection("metrics"))

	waitForMetrics(t, dc, 7)
}

func TestDockCollector_RemoveDropsSnapshot(t *testing.T) {
	b := bus.NewBus(4)
	dc := NewDockCollector("test")
	dc.Watch(b.NewConnection("metrics"))

	PublishStatus(b.NewConnection("dock0"), "dockA")(dock.Status{})
	waitForMetrics(t, dc, 7)

	dc.Remove("dockA")
	if metrics := collectAll(dc); len(metrics) != 0 {
		t.Fatalf("got %d metrics after Remove, want 0", len(metrics))
	}
}

func TestRoutingCollector_ReflectsCoreState(t *testing.T) {
	core := routing.New(routing.Options{})
	rc := NewRoutingCollector("test", core)

	if metrics := collectAll(rc); len(metrics) != 5 {
		t.Fatalf("got %d metrics, want 5", len(metrics))
	}
}
