// Package mesh wires pktbuf, dock, dock/hostlink, netif and routing
// together the way cmd/moduled does on real hardware, and exercises
// multi-module scenarios end to end: nothing here talks to real SPI,
// but the dock/routing/netif code under test is exactly what boots on
// a module.
package mesh

import (
	"net/netip"
	"testing"
	"time"

	"dockmesh-go/dock"
	"dockmesh-go/dock/hostlink"
	"dockmesh-go/netif"
	"dockmesh-go/pktbuf"
	"dockmesh-go/routing"
)

// module bundles one simulated module's routing core, network interface
// and the addresses it owns, plus a channel the test reads payloads
// delivered to this module's own addresses from.
type module struct {
	mac       [6]byte
	core      *routing.Core
	net       *netif.ModuleInterface
	addrs     []netip.Addr
	delivered chan []byte
	forward   bool
}

func newModule(mac [6]byte, prefixes []netip.Prefix, forward bool) *module {
	core := routing.New(routing.Options{})
	for _, p := range prefixes {
		core.AddLocal(p)
	}
	m := &module{
		mac:       mac,
		core:      core,
		delivered: make(chan []byte, 8),
		forward:   forward,
	}
	for _, p := range prefixes {
		m.addrs = append(m.addrs, p.Addr())
	}
	m.net = netif.NewModuleInterface(core, prefixes)
	m.net.SetInputHandler(m.onInput)
	return m
}

func (m *module) isLocal(a netip.Addr) bool {
	for _, own := range m.addrs {
		if own == a {
			return true
		}
	}
	return false
}

// onInput decodes the test packet framing (see encodeTestPacket) and
// either delivers to this module's own sink, or, on a module built
// with forward=true, asks its own ModuleInterface to relay it onward,
// standing in for the forwarding step a real IPv6 stack above netif
// would perform.
func (m *module) onInput(pkt pktbuf.Buffer, _ netip.Addr) {
	buf := make([]byte, pkt.Len())
	pkt.CopyOut(buf)

	dst, data := decodeTestPacket(buf)
	if m.isLocal(dst) {
		pkt.Free()
		m.delivered <- data
		return
	}
	if !m.forward {
		pkt.Free()
		return
	}
	_ = m.net.OutputIP6(pkt, dst)
}

// send addresses a payload to dst and hands it to the module's own
// network interface for routing.
func (m *module) send(t *testing.T, dst netip.Addr, data []byte) {
	t.Helper()
	pkt, err := pktbuf.CopyFrom(encodeTestPacket(dst, data))
	if err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	if err := m.net.OutputIP6(pkt, dst); err != nil {
		t.Fatalf("OutputIP6: %v", err)
	}
}

func (m *module) awaitDelivery(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-m.delivered:
		if string(got) != want {
			t.Fatalf("delivered payload = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery of %q", want)
	}
}

// encodeTestPacket/decodeTestPacket stand in for an IPv6 header's
// destination field, which the mesh core itself never parses: framing
// the destination into the payload is the job of whatever sits above
// netif, and here the test is that caller. The first 16 bytes are the
// destination address, the rest is the application payload.
func encodeTestPacket(dst netip.Addr, data []byte) []byte {
	b := dst.As16()
	out := make([]byte, 16+len(data))
	copy(out, b[:])
	copy(out[16:], data)
	return out
}

func decodeTestPacket(buf []byte) (netip.Addr, []byte) {
	var b [16]byte
	copy(b[:], buf[:16])
	return netip.AddrFrom16(b), buf[16:]
}

// connect wires a fresh hostlink.Wire between a and b: one dock.Dock
// and one netif.DockInterface per side, each registered with both the
// owning module's ModuleInterface (for outbound forwarding) and its
// routing.Core (for advertisement exchange), exactly as cmd/moduled
// wires a real connector.
func connect(a, b *module) {
	w := hostlink.NewWire()

	spiA, csA := w.SideA()
	spiB, csB := w.SideB()

	var diA, diB *netif.DockInterface

	dockA := dock.New(spiA, csA, dock.Callbacks{
		OnReceive: func(ct uint16, payload pktbuf.Buffer) { demux(a, diA, ct, payload) },
	})
	dockB := dock.New(spiB, csB, dock.Callbacks{
		OnReceive: func(ct uint16, payload pktbuf.Buffer) { demux(b, diB, ct, payload) },
	})
	w.BindA(dockA)
	w.BindB(dockB)

	diA = netif.NewDockInterface(dockA, a.mac)
	diB = netif.NewDockInterface(dockB, b.mac)

	a.net.AddDock(diA)
	b.net.AddDock(diB)
	a.core.AddInterface(diA.Handle, diA)
	b.core.AddInterface(diB.Handle, diB)
}

// demux dispatches an inbound dock frame to either the module's
// ModuleInterface (ordinary data) or its routing.Core (an
// advertisement), the same content_type dispatch cmd/moduled wires.
func demux(m *module, di *netif.DockInterface, ct uint16, payload pktbuf.Buffer) {
	if ct == netif.AdvertisementContentType {
		frame := make([]byte, payload.Len())
		payload.CopyOut(frame)
		payload.Free()
		m.core.HandleAdvertisement(frame, di.Handle)
		return
	}
	m.net.Input(payload, netip.Addr{})
}

func mustPrefix(s string, bits int) netip.Prefix {
	a := netip.MustParseAddr(s)
	p, err := a.Prefix(bits)
	if err != nil {
		panic(err)
	}
	return p
}

func awaitRoute(t *testing.T, core *routing.Core, dst netip.Addr) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := core.Route(dst); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no route to %v converged in time", dst)
}

// Two modules joined by a single dock, each advertising its own
// address once, then exchanging a request and a reply.
func TestScenario_TwoModuleEcho(t *testing.T) {
	a := newModule([6]byte{2, 0, 0, 0, 0, 1}, []netip.Prefix{mustPrefix("fc07::1", 128)}, false)
	b := newModule([6]byte{2, 0, 0, 0, 0, 2}, []netip.Prefix{mustPrefix("fc07::2", 128)}, false)
	connect(a, b)

	// Each side's only interface is this dock, so one Broadcast is
	// enough for the other to learn its address.
	a.core.Broadcast()
	b.core.Broadcast()

	bAddr := netip.MustParseAddr("fc07::2")
	aAddr := netip.MustParseAddr("fc07::1")
	awaitRoute(t, a.core, bAddr)
	awaitRoute(t, b.core, aAddr)

	// b echoes back anything addressed to it.
	b.net.SetInputHandler(func(pkt pktbuf.Buffer, src netip.Addr) {
		buf := make([]byte, pkt.Len())
		pkt.CopyOut(buf)
		pkt.Free()
		_, data := decodeTestPacket(buf)
		echo, err := pktbuf.CopyFrom(encodeTestPacket(aAddr, data))
		if err != nil {
			t.Fatalf("CopyFrom: %v", err)
		}
		if err := b.net.OutputIP6(echo, aAddr); err != nil {
			t.Fatalf("echo OutputIP6: %v", err)
		}
	})

	a.send(t, bAddr, []byte("ping"))
	a.awaitDelivery(t, "ping")
}

// A and C each have a single dock to B; B has no application data of
// its own and relays anything not addressed to it.
func TestScenario_ThreeHopForwarding(t *testing.T) {
	a := newModule([6]byte{2, 0, 0, 0, 0, 1}, []netip.Prefix{mustPrefix("fc07::1", 128)}, false)
	b := newModule([6]byte{2, 0, 0, 0, 0, 2}, nil, true)
	c := newModule([6]byte{2, 0, 0, 0, 0, 3}, []netip.Prefix{mustPrefix("fc07::3", 128)}, false)

	connect(a, b)
	connect(b, c)

	aAddr := netip.MustParseAddr("fc07::1")
	cAddr := netip.MustParseAddr("fc07::3")

	// Converge routes: each leaf advertises its address to B, and B
	// re-advertises across to the other leaf (split horizon only
	// suppresses a route back out the interface it was learned on).
	// Send only queues the frame on the link serializer, so B must have
	// learned both leaf routes before its own broadcast can carry them.
	a.core.Broadcast()
	c.core.Broadcast()
	awaitRoute(t, b.core, aAddr)
	awaitRoute(t, b.core, cAddr)
	b.core.Broadcast()
	b.core.Broadcast()

	awaitRoute(t, a.core, cAddr)
	awaitRoute(t, c.core, aAddr)

	a.send(t, cAddr, []byte("hello, three hops"))
	c.awaitDelivery(t, "hello, three hops")
}

// A module with no docks at all gains connectivity and, after the
// first advertisement exchange in each direction, has a route to the
// peer's address without any reconnection step.
func TestScenario_RouteConvergenceAfterDockConnect(t *testing.T) {
	a := newModule([6]byte{2, 0, 0, 0, 0, 1}, []netip.Prefix{mustPrefix("fc09::1", 128)}, false)
	b := newModule([6]byte{2, 0, 0, 0, 0, 2}, []netip.Prefix{mustPrefix("fc09::2", 128)}, false)

	if _, ok := a.core.Route(netip.MustParseAddr("fc09::2")); ok {
		t.Fatal("route should not exist before the dock is connected")
	}

	connect(a, b)
	a.core.Broadcast()
	b.core.Broadcast()

	awaitRoute(t, a.core, netip.MustParseAddr("fc09::2"))
	awaitRoute(t, b.core, netip.MustParseAddr("fc09::1"))
}
