// Package events implements the typed event bus (spec §6, C9): a single
// publisher-side sequence counter plus per-subscriber fan-out channels,
// generalizing the teacher's GNMIServer subscriber map and broadcastLoop
// (telemetry/server.go) from "one AFTUpdate channel" to the five event
// kinds spec §6 names.
package events

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// Kind identifies one of the five event kinds the bus carries.
type Kind string

const (
	RouteChanged     Kind = "RouteChanged"
	NeighborChanged  Kind = "NeighborChanged"
	InterfaceChanged Kind = "InterfaceChanged"
	PacketDropped    Kind = "PacketDropped"
	StatSample       Kind = "StatSample"
)

// RouteAction distinguishes the three route-change notifications spec §4.2
// / I3 requires.
type RouteAction string

const (
	RouteActivated RouteAction = "RouteActivated"
	RouteReplaced  RouteAction = "RouteReplaced"
	RouteWithdrawn RouteAction = "RouteWithdrawn"
)

// Event is the envelope delivered to every subscriber. Seq is monotone
// and assigned once, in publish order, so that subscribers observe a
// consistent causal order (spec §5).
type Event struct {
	Seq  uint64
	Kind Kind

	// RouteChanged fields
	RouteAction RouteAction
	Prefix      netip.Prefix
	NextHop     netip.Addr
	Protocol    string

	// NeighborChanged / InterfaceChanged fields
	Name     string
	State    string
	LastErr  string

	// PacketDropped fields
	Reason string

	// StatSample fields
	Component string
	Counters  map[string]uint64
}

// Bus fans out Events to any number of subscribers. Publish never blocks on
// a slow subscriber: a full subscriber channel drops the event for that
// subscriber only, matching spec §6's "at most once per subscription"
// (never more than once; a drop is a documented loss, not a duplicate).
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]chan Event
	next int64
	seq  uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer depth
// and returns the channel plus a token for Unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish assigns the next sequence number and fans e out to every current
// subscriber.
func (b *Bus) Publish(e Event) {
	e.Seq = atomic.AddUint64(&b.seq, 1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than block the publisher, which
			// would violate "no component holds a lock while sending to
			// another component's queue" (spec §5).
		}
	}
}
