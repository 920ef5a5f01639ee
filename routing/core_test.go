package routing

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"dockmesh-go/bus"
	"dockmesh-go/netif"
	"dockmesh-go/pktbuf"
)

// captureIface is a fake advertiser that records every frame it is asked
// to send, for tests that want to inspect what Core.Broadcast produced
// without a real dock underneath.
type captureIface struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *captureIface) SendAdvertisement(pkt pktbuf.Buffer) error {
	defer pkt.Free()
	if c.fail {
		return errTestSendFailed
	}
	buf := make([]byte, pkt.Len())
	pkt.CopyOut(buf)
	c.mu.Lock()
	c.frames = append(c.frames, buf)
	c.mu.Unlock()
	return nil
}

func (c *captureIface) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestSendFailed = testErr("send failed")

func prefix(s string, bits int) netip.Prefix {
	a := netip.MustParseAddr(s)
	p, err := a.Prefix(bits)
	if err != nil {
		panic(err)
	}
	return p
}

func forEachKind(t *testing.T, fn func(t *testing.T, kind TableKind)) {
	t.Helper()
	for _, kind := range []TableKind{TableTrie, TableLinear} {
		kind := kind
		name := "trie"
		if kind == TableLinear {
			name = "linear"
		}
		t.Run(name, func(t *testing.T) { fn(t, kind) })
	}
}

func TestCore_LoopbackForLocalAddress(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind TableKind) {
		c := New(Options{Table: kind})
		c.AddLocal(prefix("fc07::1", 128))

		h, ok := c.Route(netip.MustParseAddr("fc07::1"))
		if !ok || h != Loopback {
			t.Fatalf("Route = (%v, %v), want (Loopback, true)", h, ok)
		}
	})
}

func TestCore_LongestPrefixMatchWins(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind TableKind) {
		c := New(Options{Table: kind})
		c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc07::"), PrefixLen: 16}}), netif.Handle(1))
		c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc07::"), PrefixLen: 64}}), netif.Handle(2))
		c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc07::"), PrefixLen: 128}}), netif.Handle(3))

		h, ok := c.Route(netip.MustParseAddr("fc07::1"))
		if !ok {
			t.Fatal("expected a route")
		}
		// fc07::1 only matches the /16 and /64 entries (both cover it);
		// the /128 entry for fc07:: itself does not contain fc07::1.
		if h != netif.Handle(2) {
			t.Fatalf("next hop = %v, want handle 2 (the /64)", h)
		}

		h, ok = c.Route(netip.MustParseAddr("fc07::"))
		if !ok || h != netif.Handle(3) {
			t.Fatalf("Route(fc07::) = (%v, %v), want (3, true) — the /128 is the longest exact match", h, ok)
		}
	})
}

func TestCore_EqualLengthKeepsIncumbent(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind TableKind) {
		c := New(Options{Table: kind})
		p := prefix("fc07::1", 128)
		c.HandleAdvertisement(Encode([]Entry{{Addr: p.Addr(), PrefixLen: uint8(p.Bits())}}), netif.Handle(1))
		c.HandleAdvertisement(Encode([]Entry{{Addr: p.Addr(), PrefixLen: uint8(p.Bits())}}), netif.Handle(2))

		h, ok := c.Route(p.Addr())
		if !ok || h != netif.Handle(1) {
			t.Fatalf("Route = (%v, %v), want (1, true): incumbent must be kept", h, ok)
		}
	})
}

func TestCore_Idempotent_SameAdvertisementTwice(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind TableKind) {
		c := New(Options{Table: kind})
		frame := Encode([]Entry{
			{Addr: netip.MustParseAddr("fc07::1"), PrefixLen: 128},
			{Addr: netip.MustParseAddr("fc08::"), PrefixLen: 64},
		})
		c.HandleAdvertisement(frame, netif.Handle(1))
		before := c.Routes()
		c.HandleAdvertisement(frame, netif.Handle(1))
		after := c.Routes()

		if len(before) != len(after) {
			t.Fatalf("route count changed: %d -> %d", len(before), len(after))
		}
	})
}

func TestCore_MalformedAdvertisement_Discarded(t *testing.T) {
	c := New(Options{})
	c.HandleAdvertisement([]byte{1, 2}, netif.Handle(1))
	if routes := c.Routes(); len(routes) != 0 {
		t.Fatalf("routes = %+v, want none", routes)
	}
	_, _, _, dropped := c.Stats()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}

func TestCore_Broadcast_RoundTripsTableBetweenTwoCores(t *testing.T) {
	a := New(Options{})
	b := New(Options{})

	a.AddLocal(prefix("fc07::1", 128))
	aToB := &captureIface{}
	a.AddInterface(netif.Handle(1), aToB)

	a.Broadcast()
	frame := aToB.last()
	if frame == nil {
		t.Fatal("expected a, captured advertisement frame")
	}

	b.HandleAdvertisement(frame, netif.Handle(9))
	h, ok := b.Route(netip.MustParseAddr("fc07::1"))
	if !ok || h != netif.Handle(9) {
		t.Fatalf("b.Route = (%v, %v), want (9, true)", h, ok)
	}
}

func TestCore_SplitHorizon_SuppressesRouteBackOutLearnedInterface(t *testing.T) {
	c := New(Options{})
	c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc09::1"), PrefixLen: 128}}), netif.Handle(5))

	out := &captureIface{}
	c.AddInterface(netif.Handle(5), out)
	c.Broadcast()

	adv, err := Decode(out.last())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for _, e := range adv.Entries {
		if e.Addr == netip.MustParseAddr("fc09::1") {
			t.Fatalf("split horizon should have suppressed the route learned on interface 5, found it in the frame sent back out interface 5")
		}
	}
}

func TestCore_SplitHorizonDisabled_AdvertisesBackOutLearnedInterface(t *testing.T) {
	c := New(Options{DisableSplitHorizon: true})
	c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc09::1"), PrefixLen: 128}}), netif.Handle(5))

	out := &captureIface{}
	c.AddInterface(netif.Handle(5), out)
	c.Broadcast()

	adv, err := Decode(out.last())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	found := false
	for _, e := range adv.Entries {
		if e.Addr == netip.MustParseAddr("fc09::1") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the byte-faithful (split-horizon disabled) mode to re-advertise the route")
	}
}

func TestCore_Expiry_DropsStaleRouteAfterWindow(t *testing.T) {
	c := New(Options{AdvertisePeriod: time.Millisecond})
	c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc0a::1"), PrefixLen: 128}}), netif.Handle(1))

	if _, ok := c.Route(netip.MustParseAddr("fc0a::1")); !ok {
		t.Fatal("expected route present immediately after learning it")
	}

	time.Sleep(DefaultMaxAdvertisementAgeFactor * 2 * time.Millisecond)
	c.expireOnce()

	if _, ok := c.Route(netip.MustParseAddr("fc0a::1")); ok {
		t.Fatal("expected route to have expired")
	}
}

func TestCore_ExpiryDisabled_NeverDropsStaleRoute(t *testing.T) {
	c := New(Options{AdvertisePeriod: time.Millisecond, DisableExpiry: true})
	c.HandleAdvertisement(Encode([]Entry{{Addr: netip.MustParseAddr("fc0b::1"), PrefixLen: 128}}), netif.Handle(1))

	time.Sleep(DefaultMaxAdvertisementAgeFactor * 2 * time.Millisecond)
	c.expireOnce()

	if _, ok := c.Route(netip.MustParseAddr("fc0b::1")); !ok {
		t.Fatal("expected route to survive with expiry disabled")
	}
}

func TestCore_LocalAddressNeverExpires(t *testing.T) {
	c := New(Options{AdvertisePeriod: time.Millisecond})
	c.AddLocal(prefix("fc0c::1", 128))

	time.Sleep(DefaultMaxAdvertisementAgeFactor * 2 * time.Millisecond)
	c.expireOnce()

	if _, ok := c.Route(netip.MustParseAddr("fc0c::1")); !ok {
		t.Fatal("a locally configured address must never expire")
	}
}

func TestCore_PublishesRouteSnapshotOnChange(t *testing.T) {
	b := bus.NewBus(4)
	c := New(Options{Events: b.NewConnection("routing")})

	watcher := b.NewConnection("watch")
	sub := watcher.Subscribe(RoutesTopic)

	c.AddLocal(prefix("fc07::1", 128))

	select {
	case m := <-sub.Channel():
		routes, ok := m.Payload.([]Route)
		if !ok || len(routes) != 1 {
			t.Fatalf("payload = %#v, want a 1-entry []Route snapshot", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a route snapshot")
	}

	// The snapshot is retained: a watcher attaching after the change
	// still sees the current table immediately.
	late := watcher.Subscribe(RoutesTopic)
	select {
	case m := <-late.Channel():
		if routes, ok := m.Payload.([]Route); !ok || len(routes) != 1 {
			t.Fatalf("retained payload = %#v, want a 1-entry []Route snapshot", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the retained snapshot")
	}
}

func TestCore_BroadcastSendFailure_Counted(t *testing.T) {
	c := New(Options{})
	c.AddLocal(prefix("fc0d::1", 128))
	out := &captureIface{fail: true}
	c.AddInterface(netif.Handle(1), out)

	c.Broadcast()

	_, _, _, dropped := c.Stats()
	if dropped == 0 {
		t.Fatal("expected a failed send to be counted as dropped")
	}
}
