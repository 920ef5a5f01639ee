// moduled is a thin example wiring binary. It contains no protocol
// logic of its own: it loads boot configuration, constructs one Dock
// per configured connector, binds each to a network interface, and
// hands inbound frames to either the network interface or the routing
// core depending on content_type. Telemetry flows over the bus: each
// dock's Status frames are published retained, the metrics collector
// watches them, the routing core republishes its table on change for
// the log watcher below, and config answers request/reply queries.
package main

import (
	"context"
	"net/netip"
	"os"

	"dockmesh-go/bus"
	"dockmesh-go/config"
	"dockmesh-go/dock"
	"dockmesh-go/metrics"
	"dockmesh-go/netif"
	"dockmesh-go/pktbuf"
	"dockmesh-go/routing"
	"dockmesh-go/x/obslog"
	"dockmesh-go/x/strconvx"
	"dockmesh-go/x/strx"
)

// csPin stands in for the real rp2040 chip-select/interrupt line. A
// production build wires a *machine.Pin-backed implementation in its
// place (see dock/rp2); moduled only demonstrates host-side assembly.
type csPin struct {
	onFall func()
}

func (c *csPin) Assert()                 { /* pin not wired in this example */ }
func (c *csPin) Release()                { /* pin not wired in this example */ }
func (c *csPin) OnFallingEdge(fn func()) { c.onFall = fn }

func main() {
	obslog.Println("[moduled] booting")

	b := bus.NewBus(4)
	cfgConn := b.NewConnection("config")

	device := strx.Coalesce(os.Getenv("MODULE_DEVICE_ID"), "module-a")
	svc := config.NewService()
	cfg, err := svc.Load(device, cfgConn)
	if err != nil {
		obslog.Println("[moduled] config load failed: ", err)
		return
	}
	svc.Serve(cfgConn, cfg)

	core := routing.New(routing.Options{
		Logger: obslog.Default,
		Events: b.NewConnection("routing"),
	})
	for _, p := range cfg.Addresses {
		core.AddLocal(p)
	}
	netMod := netif.NewModuleInterface(core, cfg.Addresses)
	netMod.SetInputHandler(func(pkt pktbuf.Buffer, src netip.Addr) {
		// A real application would hand pkt to its own IP stack here.
		pkt.Free()
	})

	dockMetrics := metrics.NewDockCollector("dockmesh")
	dockMetrics.Watch(b.NewConnection("metrics"))
	routingMetrics := metrics.NewRoutingCollector("dockmesh", core)
	_ = routingMetrics // registered with a Prometheus registry by the embedding application

	// Follow convergence in the log: every table change republishes a
	// retained snapshot on RoutesTopic.
	watchConn := b.NewConnection("moduled")
	routesSub := watchConn.Subscribe(routing.RoutesTopic)
	go func() {
		for m := range routesSub.Channel() {
			if routes, ok := m.Payload.([]routing.Route); ok {
				obslog.Println("[moduled] route table: ", len(routes), " route(s)")
			}
		}
	}()

	for i := range cfg.Docks {
		name := "dock" + strconvx.Itoa(i)

		var di *netif.DockInterface
		cs := &csPin{}
		// spi is left nil deliberately: a real build supplies
		// *machine.SPI for this connector's bus. moduled demonstrates
		// the wiring shape, not hardware access.
		var spi dock.SPI

		d := dock.New(spi, cs, dock.Callbacks{
			OnStatus: metrics.PublishStatus(watchConn, name),
			OnReceive: func(ct uint16, payload pktbuf.Buffer) {
				if ct == netif.AdvertisementContentType {
					frame := make([]byte, payload.Len())
					payload.CopyOut(frame)
					payload.Free()
					core.HandleAdvertisement(frame, di.Handle)
					return
				}
				netMod.Input(payload, netip.Addr{})
			},
		})

		di = netif.NewDockInterface(d, cfg.PhysicalAddr)
		netMod.AddDock(di)
		core.AddInterface(di.Handle, di)
	}

	core.Start()
	defer core.Stop()

	obslog.Println("[moduled] running with ", strconvx.Itoa(len(cfg.Docks)), " dock(s)")
	<-context.Background().Done()
}
