// Package rib implements the Routing Information Base (spec §4.2, C4): a
// longest-prefix-match table of candidate Routes per (destination, prefix
// length), a single active Route chosen by the decision algorithm, and the
// change-notification, aging and snapshot operations spec §3's invariants
// I1–I4 require.
//
// Shape is grounded on the teacher's rib.RIB (single struct owning a
// channel-driven update loop, one goroutine, AddRoute/DeleteRoute/recompute
// methods) generalized from "last write wins per protocol" to full
// multi-candidate best-path selection with oper-up filtering, protocol
// rank, and lexicographic next-hop tie-breaking.
package rib

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/proto"
)

// IfaceOperUpChecker reports whether a named interface is currently
// oper-up. The RIB decision algorithm (spec §4.2 step 1) only considers
// candidates whose egress interface is up.
type IfaceOperUpChecker interface {
	OperUp(name string) bool
}

// alwaysUp treats every interface as up; used when no checker is supplied
// (standalone tests, static-only configurations).
type alwaysUp struct{}

func (alwaysUp) OperUp(string) bool { return true }

// Update is the message shape protocol FSMs push into a RIB task's inbound
// channel via Start. Install carries a full Route; Withdraw only needs the
// destination and contributing protocol (spec §4.2).
type Update struct {
	Install bool
	Route   *Route
	Dest    netip.Prefix
	Proto   proto.Tag
}

// RIB is the routing information base. Writes are serialised by mu,
// matching spec §5's single-writer-per-RIB-task requirement; reads of the
// active route set go through an atomically-published, copy-on-write trie
// so that lookups never block on mu (spec §5: "readers never block
// writers").
type RIB struct {
	mu          sync.Mutex
	candidates  map[netip.Prefix]map[proto.Tag]*Route
	activeRoot  atomic.Pointer[trieNode]
	ifaceUp     IfaceOperUpChecker
	bus         *events.Bus
	staleByProt map[proto.Tag]time.Duration
	defaultTTL  time.Duration
}

// Option configures a RIB at construction time.
type Option func(*RIB)

// WithIfaceChecker supplies the oper-up source used by the decision
// algorithm.
func WithIfaceChecker(c IfaceOperUpChecker) Option {
	return func(r *RIB) { r.ifaceUp = c }
}

// WithEventBus attaches the bus that route-change notifications publish to.
func WithEventBus(b *events.Bus) Option {
	return func(r *RIB) { r.bus = b }
}

// WithStaleTimeout sets the per-protocol stale timeout used by Age.
func WithStaleTimeout(p proto.Tag, d time.Duration) Option {
	return func(r *RIB) { r.staleByProt[p] = d }
}

// New creates an empty RIB.
func New(opts ...Option) *RIB {
	r := &RIB{
		candidates:  make(map[netip.Prefix]map[proto.Tag]*Route),
		ifaceUp:     alwaysUp{},
		staleByProt: make(map[proto.Tag]time.Duration),
		defaultTTL:  0, // 0 means "never expires" unless a protocol-specific timeout is set
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs the RIB's ingress loop, consuming Updates until ctx is
// cancelled or in is closed. This is the channel-driven entry point
// protocol FSMs use so that the RIB remains single-writer without any
// component holding a lock while sending to it (spec §5).
func (r *RIB) Start(ctx context.Context, in <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-in:
			if !ok {
				return nil
			}
			if u.Install {
				_ = r.Install(u.Route)
			} else {
				_ = r.Withdraw(u.Dest, u.Proto)
			}
		}
	}
}

// Install inserts route as a candidate under its destination, re-runs the
// decision algorithm for that prefix, and emits RouteActivated or
// RouteReplaced if the active route changed (spec §4.2, I3).
func (r *RIB) Install(route *Route) error {
	if route == nil {
		return errs.New(errs.InvalidPrefix, "nil route")
	}
	if route.Dest.Bits() < 0 || route.Dest.Bits() > 32 || !route.Dest.Addr().Is4() {
		return errs.Field(errs.InvalidPrefix, "dest", "prefix length must be 0..32 for IPv4")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.candidates[route.Dest]
	if !ok {
		set = make(map[proto.Tag]*Route)
		r.candidates[route.Dest] = set
	}
	stored := *route
	if stored.OutIface == "" && stored.Protocol != proto.Connected {
		if out, ok := r.resolveOutIface(stored.NextHop); ok {
			stored.OutIface = out
		}
	}
	set[route.Protocol] = &stored

	r.recompute(route.Dest)
	return nil
}

// resolveOutIface finds the egress interface a dynamically-learned route's
// next hop resolves to, by locating the most specific Connected candidate
// whose prefix contains it (spec §4.2 step 1). BGP/OSPF/IS-IS routes carry
// no egress interface of their own — only the directly connected prefix a
// next hop falls within does — so without this, every protocol route would
// install with OutIface "" and r.ifaceUp.OperUp("") would always report
// down, making the oper-up filter reject every dynamic route. Must be
// called with mu held.
func (r *RIB) resolveOutIface(nextHop netip.Addr) (string, bool) {
	var best *Route
	bestBits := -1
	for prefix, set := range r.candidates {
		if !prefix.Contains(nextHop) {
			continue
		}
		conn, ok := set[proto.Connected]
		if !ok {
			continue
		}
		if prefix.Bits() > bestBits {
			best, bestBits = conn, prefix.Bits()
		}
	}
	if best == nil {
		return "", false
	}
	return best.OutIface, true
}

// Withdraw removes the candidate contributed by protocol under dest,
// re-runs the decision, and emits RouteWithdrawn or RouteReplaced (spec
// §4.2).
func (r *RIB) Withdraw(dest netip.Prefix, protocol proto.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.candidates[dest]
	if !ok {
		return nil
	}
	delete(set, protocol)
	if len(set) == 0 {
		delete(r.candidates, dest)
	}
	r.recompute(dest)
	return nil
}

// recompute re-runs the decision algorithm for dest and publishes the
// resulting trie change plus notification. Must be called with mu held.
func (r *RIB) recompute(dest netip.Prefix) {
	key, length := prefixKey(dest)
	oldRoot := r.activeRoot.Load()
	oldActive, hadOld := longestMatchExact(oldRoot, key, length)

	best := r.decide(dest)

	if best == nil {
		if hadOld {
			newRoot := removePersist(oldRoot, key, length)
			r.activeRoot.Store(newRoot)
			r.publish(events.RouteWithdrawn, oldActive, dest)
		}
		return
	}

	activeCopy := *best
	activeCopy.Active = true
	newRoot := insertPersist(oldRoot, key, length, &activeCopy)
	r.activeRoot.Store(newRoot)

	switch {
	case !hadOld:
		r.publish(events.RouteActivated, &activeCopy, dest)
	case !sameRoute(oldActive, &activeCopy):
		r.publish(events.RouteReplaced, &activeCopy, dest)
	}
}

func sameRoute(a, b *Route) bool {
	return a.Protocol == b.Protocol && a.NextHop == b.NextHop && a.OutIface == b.OutIface &&
		a.Metric == b.Metric && a.AdminDist == b.AdminDist
}

// decide implements spec §4.2's decision algorithm: filter by oper-up
// egress interface, then pick the candidate minimising
// (admin_distance, metric, protocol_rank, next_hop) ascending. Must be
// called with mu held.
func (r *RIB) decide(dest netip.Prefix) *Route {
	set := r.candidates[dest]
	if len(set) == 0 {
		return nil
	}
	candidates := make([]*Route, 0, len(set))
	for _, route := range set {
		if r.ifaceUp.OperUp(route.OutIface) {
			candidates = append(candidates, route)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	return candidates[0]
}

func less(a, b *Route) bool {
	if a.AdminDist != b.AdminDist {
		return a.AdminDist < b.AdminDist
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	ra, rb := proto.Rank(a.Protocol), proto.Rank(b.Protocol)
	if ra != rb {
		return ra < rb
	}
	return a.NextHop.String() < b.NextHop.String()
}

func (r *RIB) publish(action events.RouteAction, route *Route, dest netip.Prefix) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Kind:        events.RouteChanged,
		RouteAction: action,
		Prefix:      dest,
		NextHop:     route.NextHop,
		Protocol:    string(route.Protocol),
	})
}

// Lookup returns the active Route whose prefix is the longest match
// covering addr, reading the lock-free published trie (spec §4.2, §5).
func (r *RIB) Lookup(addr netip.Addr) (*Route, bool) {
	if !addr.Is4() {
		return nil, false
	}
	b := addr.As4()
	key := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	root := r.activeRoot.Load()
	return longestMatch(root, key)
}

// Age removes every candidate whose protocol-specific stale timeout has
// elapsed since LastUpdate, re-running the decision for any affected
// prefix (spec §4.2, I4). Aging is infallible.
func (r *RIB) Age(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var touched []netip.Prefix
	for dest, set := range r.candidates {
		for p, route := range set {
			ttl, has := r.staleByProt[route.Protocol]
			if !has || ttl <= 0 {
				continue
			}
			if route.LastUpdate+ttl.Nanoseconds() < now {
				delete(set, p)
				touched = append(touched, dest)
			}
		}
		if len(set) == 0 {
			delete(r.candidates, dest)
		}
	}
	for _, dest := range touched {
		r.recompute(dest)
	}
}

// Snapshot returns a consistent copy of every currently active Route,
// read lock-free from the published trie (spec §4.2).
func (r *RIB) Snapshot() []*Route {
	root := r.activeRoot.Load()
	var out []*Route
	walkAll(root, func(v *Route) {
		cp := *v
		out = append(out, &cp)
	})
	return out
}

// longestMatchExact returns the exact (key, length) node's value if
// present, without doing a longest-prefix walk — used internally by
// recompute to find the prior active Route for a specific destination.
func longestMatchExact(root *trieNode, key uint32, length int) (*Route, bool) {
	n := root
	if n == nil {
		return nil, false
	}
	for i := 0; i < length; i++ {
		b := bitAt(key, i)
		if n.children[b] == nil {
			return nil, false
		}
		n = n.children[b]
	}
	if n.has {
		return n.value, true
	}
	return nil, false
}
