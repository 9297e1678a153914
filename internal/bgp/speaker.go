package bgp

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
)

// Speaker collects every Neighbor's candidates (each Neighbor is built with
// the Speaker as its BestPathSink) and runs the BGP-internal best-path
// tie-break across them before anything
// reaches internal/rib (spec §4.3.1: "Only the resulting best per prefix
// is exposed"). This resolves the fact that internal/rib.RIB keeps only
// one candidate per (prefix, protocol) — multiple BGP neighbors
// announcing the same prefix must be arbitrated here first.
type Speaker struct {
	ribOut chan<- rib.Update

	mu         sync.Mutex
	candidates map[netip.Prefix]map[string]bgpAttrs
	active     map[netip.Prefix]string // prefix -> winning neighbor key
}

// NewSpeaker creates a Speaker that pushes its winning routes to ribOut.
func NewSpeaker(ribOut chan<- rib.Update) *Speaker {
	return &Speaker{
		ribOut:     ribOut,
		candidates: make(map[netip.Prefix]map[string]bgpAttrs),
		active:     make(map[netip.Prefix]string),
	}
}

// UpdateCandidate implements BestPathSink.
func (s *Speaker) UpdateCandidate(neighbor string, prefix netip.Prefix, attrs bgpAttrs) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.candidates[prefix]
	if !ok {
		set = make(map[string]bgpAttrs)
		s.candidates[prefix] = set
	}
	set[neighbor] = attrs
	s.recompute(prefix)
}

// WithdrawCandidate implements BestPathSink.
func (s *Speaker) WithdrawCandidate(neighbor string, prefix netip.Prefix) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.candidates[prefix]
	if !ok {
		return
	}
	delete(set, neighbor)
	if len(set) == 0 {
		delete(s.candidates, prefix)
	}
	s.recompute(prefix)
}

// recompute re-runs the tie-break for prefix and pushes an Install of the
// current winner to the RIB, or a Withdraw once no candidate is left. The
// Install is pushed on every call, also when the winner is unchanged. Must
// be called with mu held.
func (s *Speaker) recompute(prefix netip.Prefix) {
	set := s.candidates[prefix]
	winner, winnerKey, ok := bestOf(set)

	_, hadPrev := s.active[prefix]
	if !ok {
		if hadPrev {
			delete(s.active, prefix)
			s.ribOut <- rib.Update{Install: false, Dest: prefix, Proto: proto.BGP}
		}
		return
	}
	s.active[prefix] = winnerKey
	route := &rib.Route{
		Dest:      prefix,
		NextHop:   winner.nextHop,
		Protocol:  proto.BGP,
		Metric:    winner.MED,
		AdminDist: winner.adminDist,
		Attrs:     winner.Attrs,
	}
	s.ribOut <- rib.Update{Install: true, Route: route, Dest: prefix, Proto: proto.BGP}
}

// bestOf implements spec §4.3.1's BGP-internal tie-break: weight desc,
// local-pref desc, origin IGP<EGP<Incomplete, AS-path length asc, MED asc,
// eBGP over iBGP, router-id asc.
func bestOf(set map[string]bgpAttrs) (bgpAttrs, string, bool) {
	if len(set) == 0 {
		return bgpAttrs{}, "", false
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := set[keys[i]], set[keys[j]]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.LocalPref != b.LocalPref {
			return a.LocalPref > b.LocalPref
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		if len(a.ASPath) != len(b.ASPath) {
			return len(a.ASPath) < len(b.ASPath)
		}
		if a.MED != b.MED {
			return a.MED < b.MED
		}
		if a.EBGP != b.EBGP {
			return a.EBGP // eBGP (true) sorts before iBGP (false)
		}
		return a.RouterID < b.RouterID
	})
	best := keys[0]
	return set[best], best, true
}
