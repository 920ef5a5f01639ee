// Package idgen hands out compact, sortable, globally-unique
// identifiers for things that need one but aren't the small sequential
// netif.Handle. Built on github.com/rs/xid; bus.genID draws its IDs
// from here.
package idgen

import "github.com/rs/xid"

// ID is a compact, sortable, globally-unique identifier.
type ID = xid.ID

// New returns a fresh ID.
func New() ID { return xid.New() }
