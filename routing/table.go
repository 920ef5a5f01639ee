package routing

import (
	"net/netip"
	"time"

	"dockmesh-go/netif"
)

// newTrieTable and newLinearTable both satisfy the table interface
// (core.go); the representation is selectable via Options.Table and
// the contract for both is longest-prefix-match.

// insertDecision applies the shared key-collision policy both table
// representations use: a candidate (prefix, nextHop) either creates a
// fresh entry, refreshes an existing one learned from the same
// interface, or is absorbed (incumbent kept) when a different
// interface already holds that exact prefix: for equal prefix length
// the incumbent wins, applied here at the exact-key level since two
// entries sharing a key necessarily share prefix length.
func insertDecision(existing *Route, nextHop netif.Handle, now time.Time, seq uint64) (apply bool) {
	if existing == nil {
		return true
	}
	if existing.NextHop != nextHop {
		return false
	}
	existing.Learned = now
	existing.seq = seq
	return false
}

// --- trieTable -------------------------------------------------------

// trieNode is one node of an uncompressed binary trie keyed by the 128-bit
// IPv6 address, branching on successive bits. A node carries a route
// only if some inserted prefix terminates exactly there.
type trieNode struct {
	children [2]*trieNode
	route    *Route
}

// trieTable gives O(prefix length) lookup by walking the trie bit by
// bit and remembering the deepest node carrying a route, rather than
// scanning every entry.
type trieTable struct {
	root    *trieNode
	entries map[netip.Prefix]*Route
}

func newTrieTable() *trieTable {
	return &trieTable{root: &trieNode{}, entries: make(map[netip.Prefix]*Route)}
}

func bitAt(addr [16]byte, i int) int {
	return int((addr[i/8] >> (7 - uint(i%8))) & 1)
}

func (t *trieTable) insert(prefix netip.Prefix, nextHop netif.Handle, now time.Time, seq uint64) bool {
	prefix = prefix.Masked()
	if existing, ok := t.entries[prefix]; ok {
		insertDecision(existing, nextHop, now, seq)
		return false
	}

	addr := prefix.Addr().As16()
	bits := prefix.Bits()
	n := t.root
	for i := 0; i < bits; i++ {
		b := bitAt(addr, i)
		if n.children[b] == nil {
			n.children[b] = &trieNode{}
		}
		n = n.children[b]
	}
	r := &Route{Prefix: prefix, NextHop: nextHop, Learned: now, seq: seq}
	n.route = r
	t.entries[prefix] = r
	return true
}

func (t *trieTable) lookup(dst netip.Addr) (Route, bool) {
	addr := dst.As16()
	n := t.root
	var best *Route
	if n.route != nil {
		best = n.route
	}
	for i := 0; i < 128 && n != nil; i++ {
		b := bitAt(addr, i)
		n = n.children[b]
		if n != nil && n.route != nil {
			best = n.route
		}
	}
	if best == nil {
		return Route{}, false
	}
	return *best, true
}

func (t *trieTable) all() []Route {
	out := make([]Route, 0, len(t.entries))
	for _, r := range t.entries {
		out = append(out, *r)
	}
	return out
}

func (t *trieTable) removeExpired(cutoff time.Time) int {
	removed := 0
	for prefix, r := range t.entries {
		if r.Learned.IsZero() || !r.Learned.Before(cutoff) {
			continue
		}
		delete(t.entries, prefix)
		removed++
	}
	if removed > 0 {
		// A full rebuild both reclaims dead nodes and keeps lookup
		// from ever walking into a stale route.
		t.rebuild()
	}
	return removed
}

func (t *trieTable) rebuild() {
	root := &trieNode{}
	for prefix, r := range t.entries {
		addr := prefix.Addr().As16()
		bits := prefix.Bits()
		n := root
		for i := 0; i < bits; i++ {
			b := bitAt(addr, i)
			if n.children[b] == nil {
				n.children[b] = &trieNode{}
			}
			n = n.children[b]
		}
		n.route = r
	}
	t.root = root
}

// --- linearTable -----------------------------------------------------

// linearTable is a plain slice scanned linearly on every lookup,
// picking the longest matching prefix by brute force. Fine for the
// table sizes a small mesh produces; selectable via Options.Table.
type linearTable struct {
	routes []*Route
	index  map[netip.Prefix]*Route
}

func newLinearTable() *linearTable {
	return &linearTable{index: make(map[netip.Prefix]*Route)}
}

func (t *linearTable) insert(prefix netip.Prefix, nextHop netif.Handle, now time.Time, seq uint64) bool {
	prefix = prefix.Masked()
	if existing, ok := t.index[prefix]; ok {
		insertDecision(existing, nextHop, now, seq)
		return false
	}
	r := &Route{Prefix: prefix, NextHop: nextHop, Learned: now, seq: seq}
	t.index[prefix] = r
	t.routes = append(t.routes, r)
	return true
}

func (t *linearTable) lookup(dst netip.Addr) (Route, bool) {
	var best *Route
	for _, r := range t.routes {
		if !r.Prefix.Contains(dst) {
			continue
		}
		if best == nil || r.Prefix.Bits() > best.Prefix.Bits() {
			best = r
		}
	}
	if best == nil {
		return Route{}, false
	}
	return *best, true
}

func (t *linearTable) all() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	return out
}

func (t *linearTable) removeExpired(cutoff time.Time) int {
	removed := 0
	kept := t.routes[:0]
	for _, r := range t.routes {
		if !r.Learned.IsZero() && r.Learned.Before(cutoff) {
			delete(t.index, r.Prefix)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.routes = kept
	return removed
}
