// Package netif presents each dock as a network interface: a per-dock
// interface with a link-local address autoconfigured from the module's
// physical address, and a module-level interface that owns the
// locally-assigned addresses and hands outbound traffic to whichever
// dock interface the routing core names as next hop.
package netif

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"dockmesh-go/dock"
	"dockmesh-go/errcode"
	"dockmesh-go/pktbuf"
	"dockmesh-go/x/strconvx"
)

// MTU is the fixed IPv6 MTU presented by every dock interface, chosen
// for the link framing budget rather than path-MTU discovery.
const MTU = 120

// LinkMulticastGroup is the site-local multicast group address of the
// mesh routers. DockInterface keeps no group-membership state: nothing
// in this package joins it or filters inbound traffic on it.
var LinkMulticastGroup = netip.MustParseAddr("ff05::1f")

// AdvertisementContentType is the dock content_type value the routing
// core's advertisements travel under; defined here, not in routing, so
// netif's dispatch table can name it without importing routing.
const AdvertisementContentType uint16 = 1

// DataContentType is the dock content_type value ordinary IPv6 traffic
// travels under.
const DataContentType uint16 = 0

// Flags is the interface state bitmask.
type Flags uint16

const (
	FlagUp     Flags = 1 << 0
	FlagLinkUp Flags = 1 << 1
	FlagMLD6   Flags = 1 << 2
	// FlagIGMP is set alongside FlagMLD6: group-membership reporting
	// is enabled for both families even though the fabric itself only
	// carries IPv6.
	FlagIGMP Flags = 1 << 3
)

// Handle is a small, stable identifier for an interface, assigned by a
// monotonic counter at construction. It lets routing.Route
// reference an interface without routing importing netif's concrete
// types, and without netif importing routing.
type Handle int32

// LoopbackHandle is the reserved handle of the loopback
// pseudo-interface: a route whose next hop is this handle names an
// address assigned to this module itself. Real interfaces are numbered
// from 1, so it can never collide.
const LoopbackHandle Handle = 0

var nextHandle atomic.Int32

func newHandle() Handle {
	return Handle(nextHandle.Add(1))
}

// Router is the lookup routing.Core provides. netif depends only on
// this interface, never on the routing package itself, so the two can
// reference each other's types (routing.Route names a netif.Handle;
// netif.ModuleInterface calls a Router) without an import cycle.
type Router interface {
	Route(dst netip.Addr) (Handle, bool)
}

// eui64LinkLocal derives the fe80::/64 link-local address IEEE EUI-64
// autoconfiguration assigns to a 6-byte hardware address: insert
// 0xfffe in the middle and flip the universal/local bit.
func eui64LinkLocal(mac [6]byte) netip.Addr {
	var b [16]byte
	b[0] = 0xfe
	b[1] = 0x80
	b[8] = mac[0] ^ 0x02
	b[9] = mac[1]
	b[10] = mac[2]
	b[11] = 0xff
	b[12] = 0xfe
	b[13] = mac[3]
	b[14] = mac[4]
	b[15] = mac[5]
	return netip.AddrFrom16(b)
}

// DockInterface is the per-dock network interface: fixed MTU, EUI-64
// link-local address, and an OutputIP6 that hands the packet straight
// to the underlying dock's Send. It does not join LinkMulticastGroup.
type DockInterface struct {
	Handle Handle

	link *dock.Dock
	addr netip.Addr
	mac  [6]byte

	mu    sync.RWMutex
	flags Flags
}

// NewDockInterface binds a *dock.Dock to a fresh network interface,
// deriving its link-local address from the module's physical address
// and bringing it straight up; there is no separate "interface
// enable" step.
func NewDockInterface(link *dock.Dock, physicalAddr [6]byte) *DockInterface {
	return &DockInterface{
		Handle: newHandle(),
		link:   link,
		addr:   eui64LinkLocal(physicalAddr),
		mac:    physicalAddr,
		flags:  FlagUp | FlagLinkUp | FlagMLD6 | FlagIGMP,
	}
}

// Addr returns the interface's autoconfigured link-local address.
func (d *DockInterface) Addr() netip.Addr { return d.addr }

// Name returns the interface's presentation name, "ro"+handle,
// e.g. "ro3".
func (d *DockInterface) Name() string { return "ro" + strconvx.Itoa(int(d.Handle)) }

// Flags reports the interface's current flag bitmask.
func (d *DockInterface) Flags() Flags {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flags
}

// SetLinkUp toggles FlagLinkUp, e.g. when a dock's Version/Status
// exchanges start or stop succeeding. It does not touch FlagUp, which
// reflects administrative state rather than link state.
func (d *DockInterface) SetLinkUp(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if up {
		d.flags |= FlagLinkUp
	} else {
		d.flags &^= FlagLinkUp
	}
}

// OutputIP6 hands pkt to the dock as an ordinary data frame
// (content_type=0). dst is otherwise unused here: framing the
// destination into the payload itself is the caller's job, and the IP
// stack above is trusted to have already addressed the packet.
func (d *DockInterface) OutputIP6(pkt pktbuf.Buffer, dst netip.Addr) error {
	_ = dst
	return d.link.Send(context.Background(), DataContentType, pkt)
}

// SendAdvertisement hands pkt to the dock under the advertisement
// content type. routing.Core calls it through its own advertiser
// interface when broadcasting, so routing reuses the same dock link
// without duplicating the content-type constant.
func (d *DockInterface) SendAdvertisement(pkt pktbuf.Buffer) error {
	return d.link.Send(context.Background(), AdvertisementContentType, pkt)
}

// ModuleInterface is the module-level master interface: it owns the
// module's own configured addresses and forwards outbound traffic to
// whichever dock interface the routing core names as next hop.
type ModuleInterface struct {
	router Router

	mu        sync.RWMutex
	addresses []netip.Prefix
	docks     map[Handle]*DockInterface
	onInput   func(pkt pktbuf.Buffer, src netip.Addr)
}

// NewModuleInterface constructs the module-level interface. router is
// consulted on every OutputIP6 call; addrs are the locally-assigned
// prefixes from boot configuration.
func NewModuleInterface(router Router, addrs []netip.Prefix) *ModuleInterface {
	m := &ModuleInterface{
		router:    router,
		addresses: append([]netip.Prefix(nil), addrs...),
		docks:     make(map[Handle]*DockInterface),
	}
	return m
}

// AddDock registers a dock interface so OutputIP6 can delegate to it
// once the router names its Handle as next hop.
func (m *ModuleInterface) AddDock(d *DockInterface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docks[d.Handle] = d
}

// Addresses returns the module's own configured addresses, e.g. for
// an application printing its own reachable address set.
func (m *ModuleInterface) Addresses() []netip.Prefix {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]netip.Prefix(nil), m.addresses...)
}

// SetInputHandler installs the callback Input delivers inbound data
// packets to. A nil handler (the default) simply frees every inbound
// packet.
func (m *ModuleInterface) SetInputHandler(fn func(pkt pktbuf.Buffer, src netip.Addr)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInput = fn
}

// Input delivers a data packet received on any dock interface
// (content_type=0) to the installed handler. The dock's OnReceive
// callback dispatches on content_type to either Input (0) or
// routing.Core.HandleAdvertisement (1); the wiring that makes that
// dispatch happen lives with whoever constructs the Dock's Callbacks
// (see cmd/moduled), since netif must not import routing.
func (m *ModuleInterface) Input(pkt pktbuf.Buffer, src netip.Addr) {
	m.mu.RLock()
	fn := m.onInput
	m.mu.RUnlock()
	if fn == nil {
		pkt.Free()
		return
	}
	fn(pkt, src)
}

// OutputIP6 asks the router for dst's next hop and delegates to that
// dock interface's OutputIP6 on a hit; a loopback hit delivers the
// packet locally through Input; a miss frees the packet and reports
// NoRoute.
func (m *ModuleInterface) OutputIP6(pkt pktbuf.Buffer, dst netip.Addr) error {
	handle, ok := m.router.Route(dst)
	if !ok {
		pkt.Free()
		return errcode.New(errcode.NoRoute, "netif.ModuleInterface.OutputIP6", "no route to destination")
	}
	if handle == LoopbackHandle {
		m.Input(pkt, netip.Addr{})
		return nil
	}

	m.mu.RLock()
	iface, have := m.docks[handle]
	m.mu.RUnlock()
	if !have {
		pkt.Free()
		return errcode.New(errcode.NoRoute, "netif.ModuleInterface.OutputIP6", "route names unknown interface")
	}
	return iface.OutputIP6(pkt, dst)
}
