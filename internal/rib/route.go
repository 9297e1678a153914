package rib

import (
	"net/netip"

	"github.com/routersim/routersim/internal/proto"
)

// Route is the canonical schema named in SPEC_FULL.md §3, consolidating
// the pack's inconsistent RouteInfo declarations into one type used for
// RIB candidate sets, active-route snapshots and the Updates protocol
// processes push to the RIB. This package has no JSON encoding of it.
type Route struct {
	Dest       netip.Prefix
	NextHop    netip.Addr
	OutIface   string
	Protocol   proto.Tag
	Metric     uint32
	AdminDist  uint32
	Attrs      proto.Attrs
	LastUpdate int64 // clock.Clock nanoseconds at last refresh
	Active     bool
}

// Equal implements the spec §3 equality rule: two Routes are equal by
// (destination, prefix length) alone.
func (r *Route) Equal(other *Route) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Dest == other.Dest
}

// Key32 returns the route's destination as a (uint32 key, prefix length)
// pair for the trie, valid only for IPv4 prefixes.
func (r *Route) Key32() (uint32, int) {
	return prefixKey(r.Dest)
}

func prefixKey(p netip.Prefix) (uint32, int) {
	a := p.Addr()
	if a.Is4In6() {
		a = a.Unmap()
	}
	b := a.As4()
	key := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return key, p.Bits()
}
