// Package routing implements the mesh routing core: distributed prefix
// advertisement, a longest-prefix-match route table shared across every
// interface of a module, and the forwarding decision that picks a
// next-hop interface for an outbound or transit packet.
//
// The routing plane is purely data-flow: every advertisement either
// adds to the table or is absorbed; there is no handshake, no
// acknowledgment, no explicit withdraw. Convergence relies on periodic
// re-advertisement. Two interchangeable table representations are kept
// (a trie and a linear scan); the contract for both is
// longest-prefix-match.
package routing

import (
	"net/netip"
	"sync"
	"time"

	"dockmesh-go/bus"
	"dockmesh-go/netif"
	"dockmesh-go/pktbuf"
	"dockmesh-go/x/mathx"
	"dockmesh-go/x/obslog"
)

// RoutesTopic is the retained bus topic the Core republishes its full
// table on whenever the table changes (a route learned, a route
// expired), so watchers (a host log, a UI) can follow convergence
// without polling. The payload is a []Route snapshot.
var RoutesTopic = bus.T("routing", "routes")

// DefaultAdvertisePeriod is the coarse default period of the full-table
// broadcast.
const DefaultAdvertisePeriod = 5 * time.Second

// DefaultMaxAdvertisementAgeFactor controls route expiry: an entry not
// refreshed for this many advertisement periods is expired. Disabled
// via Options.DisableExpiry for insert-only, never-expire behaviour.
const DefaultMaxAdvertisementAgeFactor = 3

// jitterFraction bounds the ± jitter applied to the advertise period.
const jitterFraction = 0.10

// TableKind selects the route table representation.
type TableKind int

const (
	// TableTrie is a binary trie over the 128-bit prefix (one node per bit),
	// O(prefix length) lookup. Default.
	TableTrie TableKind = iota
	// TableLinear is a []Route with a linear longest-match scan, kept
	// as the small-mesh reference implementation.
	TableLinear
)

// Options configures a Core. The zero value is the recommended
// configuration: trie table, split-horizon on, expiry on.
type Options struct {
	Table TableKind

	// AdvertisePeriod overrides DefaultAdvertisePeriod when non-zero.
	AdvertisePeriod time.Duration

	// DisableSplitHorizon re-advertises a route back out the interface
	// it was learned on, which can loop in a topology with a cycle.
	// Default false: split-horizon is applied.
	DisableSplitHorizon bool

	// DisableExpiry stops route entries from ever aging out; stale
	// entries are then corrected only when a later advertisement
	// overwrites them. Default false: entries expire after
	// DefaultMaxAdvertisementAgeFactor advertise periods.
	DisableExpiry bool

	// Logger receives a line for every discarded malformed
	// advertisement; failed advertisement sends are only counted.
	// Neither is propagated to callers. Defaults to obslog.Default.
	Logger *obslog.Logger

	// Events, when non-nil, receives a retained []Route snapshot on
	// RoutesTopic every time the table changes. Never on the
	// forwarding path; publication is best-effort.
	Events *bus.Connection
}

// Route is one entry of the table: a destination prefix, the interface
// it is reachable through, and bookkeeping to resolve ties and expiry.
type Route struct {
	Prefix  netip.Prefix
	NextHop netif.Handle
	Learned time.Time
	// seq is the Core's insertion counter at the time the entry was
	// created or last refreshed. It is recorded only; ties between
	// equal-length advertisements are settled by insertDecision keeping
	// the incumbent, not by comparing seq.
	seq uint64
}

// Loopback is the sentinel next-hop handle representing addresses
// assigned to this module itself. It is never the handle of a real
// interface, since those are assigned starting at 1;
// netif.ModuleInterface delivers locally on seeing it.
const Loopback = netif.LoopbackHandle

// table is the shared interface both representations satisfy. All
// methods assume single-writer access: callers serialize mutation
// through Core's mutex.
type table interface {
	// insert applies (prefix, nextHop) if it beats the incumbent, per the
	// longest-match-wins/equal-length-keeps-incumbent rule. nextHop is
	// the interface the advertisement arrived on; split-horizon is
	// applied by Broadcast from it, not by the table itself.
	insert(prefix netip.Prefix, nextHop netif.Handle, now time.Time, seq uint64) (inserted bool)
	// lookup performs longest-prefix-match.
	lookup(dst netip.Addr) (Route, bool)
	// all returns every route currently held, for broadcast and tests.
	all() []Route
	// removeExpired drops entries with Learned older than cutoff,
	// excluding those with a zero Learned (administratively configured,
	// never expired).
	removeExpired(cutoff time.Time) (removed int)
}

// Core is the routing core: one per module, owning the route table
// shared by every dock interface plus the loopback pseudo-interface
// for locally assigned addresses.
type Core struct {
	opts Options

	mu   sync.RWMutex
	tbl  table
	seq  uint64
	ifs  map[netif.Handle]advertiser
	stop chan struct{}

	sent, received, expired, dropped uint64
}

// advertiser is the subset of netif.DockInterface's surface the Core
// needs to broadcast a Response frame. It is a small interface (not
// *netif.DockInterface directly) so routing and netif can each name the
// other's types without an import cycle: netif.Router is the reverse of
// this relationship.
type advertiser interface {
	SendAdvertisement(pkt pktbuf.Buffer) error
}

// New constructs a Core with no routes and no registered interfaces;
// call AddLocal for each of the module's own addresses and AddInterface
// for each live dock before calling Start.
func New(opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = obslog.Default
	}
	var t table
	switch opts.Table {
	case TableLinear:
		t = newLinearTable()
	default:
		t = newTrieTable()
	}
	return &Core{
		opts: opts,
		tbl:  t,
		ifs:  make(map[netif.Handle]advertiser),
	}
}

// AddLocal inserts one of the module's own configured addresses
// pointing at Loopback, with Learned left zero so removeExpired never
// ages it out.
func (c *Core) AddLocal(prefix netip.Prefix) {
	c.mu.Lock()
	c.seq++
	changed := c.tbl.insert(prefix, Loopback, time.Time{}, c.seq)
	snapshot := c.snapshotIfChangedLocked(changed)
	c.mu.Unlock()
	c.publishRoutes(snapshot)
}

// snapshotIfChangedLocked returns the routes to publish on Events, or
// nil when nothing changed or nobody is listening. Caller holds c.mu.
func (c *Core) snapshotIfChangedLocked(changed bool) []Route {
	if !changed || c.opts.Events == nil {
		return nil
	}
	return c.tbl.all()
}

func (c *Core) publishRoutes(snapshot []Route) {
	if snapshot == nil {
		return
	}
	c.opts.Events.Publish(&bus.Message{Topic: RoutesTopic, Payload: snapshot, Retained: true})
}

// AddInterface registers a dock interface as a broadcast target and as a
// valid next hop; it does not insert any route by itself (routes for
// this interface arrive only via advertisements it receives).
func (c *Core) AddInterface(handle netif.Handle, a advertiser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ifs[handle] = a
}

// Route performs the forwarding lookup: longest-prefix-match against
// the table, returning the chosen next-hop handle. ok is false on a
// miss; the caller drops the packet.
func (c *Core) Route(dst netip.Addr) (netif.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.tbl.lookup(dst)
	if !ok {
		return 0, false
	}
	return r.NextHop, true
}

// Routes returns a snapshot of every route currently held, for the
// metrics exporter and tests.
func (c *Core) Routes() []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tbl.all()
}

// Stats reports the Core's lifetime counters, consumed by metrics.
func (c *Core) Stats() (sent, received, expired, dropped uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sent, c.received, c.expired, c.dropped
}

// HandleAdvertisement decodes and applies an inbound advertised-prefix
// frame. learnedOn is the interface handle the frame arrived on, which
// becomes the next hop of every entry it carries; malformed frames are
// silently discarded, never propagated.
func (c *Core) HandleAdvertisement(frame []byte, learnedOn netif.Handle) {
	adv, err := Decode(frame)
	if err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.opts.Logger.Println("routing: discarding malformed advertisement: ", err)
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.received++

	changed := false
	for _, e := range adv.Entries {
		prefix, err := e.Addr.Prefix(int(e.PrefixLen))
		if err != nil {
			continue
		}
		c.seq++
		if c.tbl.insert(prefix, learnedOn, now, c.seq) {
			changed = true
		}
	}
	snapshot := c.snapshotIfChangedLocked(changed)
	c.mu.Unlock()
	c.publishRoutes(snapshot)
}

// Broadcast sends the full table (minus split-horizon-suppressed
// entries) as a Response frame to every registered interface. Called
// directly by tests; the periodic timer started by Start calls it on
// its own schedule.
func (c *Core) Broadcast() {
	c.mu.Lock()
	routes := c.tbl.all()
	ifaces := make(map[netif.Handle]advertiser, len(c.ifs))
	for h, a := range c.ifs {
		ifaces[h] = a
	}
	splitHorizon := !c.opts.DisableSplitHorizon
	c.mu.Unlock()

	for out, a := range ifaces {
		entries := make([]Entry, 0, len(routes))
		for _, r := range routes {
			// With split-horizon on, a route is not re-advertised back
			// out the interface it was learned on, which would loop on
			// a cyclic topology.
			if splitHorizon && r.NextHop == out {
				continue
			}
			if r.Prefix.Addr().Is4() {
				continue
			}
			entries = append(entries, Entry{Addr: r.Prefix.Addr(), PrefixLen: uint8(r.Prefix.Bits())})
		}

		frame := Encode(entries)
		pkt, err := pktbuf.CopyFrom(frame)
		if err != nil {
			continue
		}
		if err := a.SendAdvertisement(pkt); err != nil {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		c.sent++
		c.mu.Unlock()
	}
}

// expireOnce drops routes not refreshed within the configured age
// window. Locally configured routes (Learned zero) are never
// candidates.
func (c *Core) expireOnce() {
	if c.opts.DisableExpiry {
		return
	}
	period := c.period()
	cutoff := time.Now().Add(-time.Duration(DefaultMaxAdvertisementAgeFactor) * period)

	c.mu.Lock()
	n := c.tbl.removeExpired(cutoff)
	c.expired += uint64(n)
	snapshot := c.snapshotIfChangedLocked(n > 0)
	c.mu.Unlock()
	c.publishRoutes(snapshot)
}

func (c *Core) period() time.Duration {
	p := c.opts.AdvertisePeriod
	if p <= 0 {
		p = DefaultAdvertisePeriod
	}
	return p
}

// jitteredPeriod applies up to ±jitterFraction to p, varying the offset
// deterministically with tick: a cheap, seedless pseudo-spread with no
// RNG state. Every Core starts counting ticks at zero, so modules
// started together follow the same offset sequence.
func jitteredPeriod(p time.Duration, tick uint64) time.Duration {
	span := time.Duration(float64(p) * jitterFraction)
	// Walks from -span up to +7/8 span in steps of span/8 over a 16-tick
	// cycle, then clamps defensively:
	// the walk is already bounded, but Clamp keeps this correct if span
	// or tick's derivation ever changes shape.
	offset := time.Duration(tick%16)*(2*span/16) - span
	offset = mathx.Clamp(offset, -span, span)
	return p + offset
}

// Start begins the periodic full-table broadcast, plus expiry sweeps
// at the same cadence. A second call is a no-op.
func (c *Core) Start() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		var tick uint64
		for {
			period := jitteredPeriod(c.period(), tick)
			if period <= 0 {
				period = DefaultAdvertisePeriod
			}
			select {
			case <-time.After(period):
				c.Broadcast()
				c.expireOnce()
				tick++
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the periodic broadcast/expiry goroutine started by Start.
// A deployed module never tears its core down; Stop exists for tests
// and for a clean host-process shutdown.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
}
