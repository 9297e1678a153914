// Package ospf implements the OSPFv2 neighbor FSM, LSA database and SPF
// computation (spec §4.3.2, C5). Shape follows the same single-owner
// clock-driven-timer pattern internal/bgp and internal/rib use; the
// neighbor state machine is grounded on the teacher's event-driven
// RIB/FIB tasks generalized to OSPF's seven-state adjacency model instead
// of BGP's six, plus a link-state database and periodic, debounced SPF.
package ospf

import (
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
)

// State is one of the seven OSPFv2 neighbor states (spec §4.3.2).
type State int

const (
	Down State = iota
	Init
	TwoWay
	ExStart
	Exchange
	Loading
	Full
)

func (s State) String() string {
	switch s {
	case Down:
		return "Down"
	case Init:
		return "Init"
	case TwoWay:
		return "TwoWay"
	case ExStart:
		return "ExStart"
	case Exchange:
		return "Exchange"
	case Loading:
		return "Loading"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

const AdminDistance uint32 = 110

const (
	DefaultHelloInterval = 10 * time.Second
	DefaultDeadInterval  = 40 * time.Second
	DefaultSPFHold       = 5 * time.Second
	MaxAge               = 3600 * time.Second
)

// LinkState is one originated or received LSA: a router's adjacency list
// with per-link cost, enough to run Dijkstra without modeling the full
// RFC 2328 LSA type zoo.
type LinkState struct {
	RouterID  uint32
	AreaID    uint32
	Links     map[uint32]uint32 // neighbor router-id -> cost
	Age       time.Duration
	Seq       uint32
	Installed int64 // clock.Clock ns timestamp, used for MaxAge expiry
}

// Neighbor is one OSPF adjacency.
type Neighbor struct {
	RouterID uint32
	Addr     netip.Addr
	Iface    string
	Priority uint8

	state   State
	deadTok clock.Token
}

// Process is one OSPFv2 routing process: one Neighbor state machine per
// configured adjacency, a link-state database, and a debounced SPF runner.
type Process struct {
	routerID uint32
	clk      clock.Clock
	bus      *events.Bus
	ribOut   chan<- rib.Update

	neighbors map[string]*Neighbor // keyed by iface+addr
	lsdb      map[uint32]*LinkState
	spfTok    clock.Token
	spfHold   time.Duration
	lastOwn   []netip.Prefix // previously installed prefixes, for withdraw-on-change
}

// NewProcess creates an OSPF process for routerID.
func NewProcess(routerID uint32, clk clock.Clock, bus *events.Bus, ribOut chan<- rib.Update) *Process {
	return &Process{
		routerID:  routerID,
		clk:       clk,
		bus:       bus,
		ribOut:    ribOut,
		neighbors: make(map[string]*Neighbor),
		lsdb:      make(map[uint32]*LinkState),
		spfHold:   DefaultSPFHold,
	}
}

func neighborKey(iface string, addr netip.Addr) string { return iface + "|" + addr.String() }

// AddNeighbor registers a new adjacency in Down, matching spec §3's
// "created by configuration" lifecycle rule.
func (p *Process) AddNeighbor(iface string, addr netip.Addr, priority uint8) *Neighbor {
	n := &Neighbor{Addr: addr, Iface: iface, Priority: priority, state: Down}
	p.neighbors[neighborKey(iface, addr)] = n
	return n
}

func (p *Process) setNeighborState(n *Neighbor, s State) {
	if n.state == s {
		return
	}
	n.state = s
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: events.NeighborChanged, Name: n.Addr.String(), State: s.String(), Protocol: "OSPF"})
	}
}

// HelloReceived implements the Hello-protocol transitions spec §4.3.2
// names: Down -> Init on first Hello, Init -> TwoWay once the neighbor
// lists us, then ExStart/Exchange/Loading/Full for database
// synchronisation (collapsed here into a direct TwoWay -> Full since
// full DBD/LSR/LSU negotiation is out of this module's modeled detail).
func (p *Process) HelloReceived(iface string, addr netip.Addr, sawUs bool) {
	n, ok := p.neighbors[neighborKey(iface, addr)]
	if !ok {
		return
	}
	p.armDeadTimer(n)

	switch n.state {
	case Down:
		p.setNeighborState(n, Init)
	case Init:
		if sawUs {
			p.setNeighborState(n, TwoWay)
			p.setNeighborState(n, ExStart)
			p.setNeighborState(n, Exchange)
			p.setNeighborState(n, Loading)
			p.setNeighborState(n, Full)
		}
	}
}

func (p *Process) armDeadTimer(n *Neighbor) {
	p.clk.Cancel(n.deadTok)
	n.deadTok = p.clk.After(DefaultDeadInterval, func() {
		p.setNeighborState(n, Down)
		slog.Info("ospf neighbor declared dead", "router_id", n.RouterID, "addr", n.Addr)
		p.scheduleSPF()
	})
}

// InstallLSA adds or replaces a link-state advertisement in the database
// and schedules a debounced SPF run (spec §4.3.2: "recomputed on LSDB
// change, debounced by spf_hold").
func (p *Process) InstallLSA(ls LinkState) {
	ls.Installed = p.clk.Now()
	p.lsdb[ls.RouterID] = &ls
	p.scheduleSPF()
}

// AgeLSDB removes every LSA that has reached MaxAge (spec §4.3.2).
func (p *Process) AgeLSDB(now int64) {
	changed := false
	for id, ls := range p.lsdb {
		if time.Duration(now-ls.Installed) >= MaxAge {
			delete(p.lsdb, id)
			changed = true
		}
	}
	if changed {
		p.scheduleSPF()
	}
}

func (p *Process) scheduleSPF() {
	p.clk.Cancel(p.spfTok)
	p.spfTok = p.clk.After(p.spfHold, p.runSPF)
}

// runSPF implements Dijkstra's algorithm over the link-state database and
// installs the resulting shortest-path routes into the RIB at admin
// distance 110, metric equal to the summed link cost (spec §4.3.2).
func (p *Process) runSPF() {
	dist := map[uint32]uint32{p.routerID: 0}
	prevNextHop := map[uint32]uint32{} // destination router-id -> first-hop router-id
	visited := map[uint32]bool{}

	for {
		var u uint32
		var ud uint32
		found := false
		for id, d := range dist {
			if visited[id] {
				continue
			}
			if !found || d < ud || (d == ud && id < u) {
				u, ud, found = id, d, true
			}
		}
		if !found {
			break
		}
		visited[u] = true

		ls, ok := p.lsdb[u]
		if !ok {
			continue
		}
		neighborIDs := make([]uint32, 0, len(ls.Links))
		for nb := range ls.Links {
			neighborIDs = append(neighborIDs, nb)
		}
		sort.Slice(neighborIDs, func(i, j int) bool { return neighborIDs[i] < neighborIDs[j] })

		for _, nb := range neighborIDs {
			cost := ls.Links[nb]
			alt := ud + cost
			if cur, has := dist[nb]; !has || alt < cur {
				dist[nb] = alt
				if u == p.routerID {
					prevNextHop[nb] = nb
				} else {
					prevNextHop[nb] = prevNextHop[u]
				}
			}
		}
	}

	var installed []netip.Prefix
	for id, cost := range dist {
		if id == p.routerID {
			continue
		}
		nextHopID, ok := prevNextHop[id]
		if !ok {
			continue
		}
		dest, ok := routerIDPrefix(id)
		if !ok {
			continue
		}
		nh, ok := routerIDAddr(nextHopID)
		if !ok {
			continue
		}
		route := &rib.Route{
			Dest:      dest,
			NextHop:   nh,
			Protocol:  proto.OSPF,
			Metric:    cost,
			AdminDist: AdminDistance,
		}
		p.ribOut <- rib.Update{Install: true, Route: route, Dest: dest, Proto: proto.OSPF}
		installed = append(installed, dest)
	}

	for _, prev := range p.lastOwn {
		if !containsPrefix(installed, prev) {
			p.ribOut <- rib.Update{Install: false, Dest: prev, Proto: proto.OSPF}
		}
	}
	p.lastOwn = installed
}

func containsPrefix(list []netip.Prefix, p netip.Prefix) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

// routerIDPrefix maps a 32-bit router-id onto its simulated loopback /32,
// the same convention the SPF test fixtures use.
func routerIDPrefix(id uint32) (netip.Prefix, bool) {
	addr, ok := routerIDAddr(id)
	if !ok {
		return netip.Prefix{}, false
	}
	p, err := addr.Prefix(32)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

func routerIDAddr(id uint32) (netip.Addr, bool) {
	b := [4]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	return netip.AddrFrom4(b), true
}
