// Package isis implements the IS-IS adjacency state machine, per-level LSP
// database and SPF (spec §4.3.3, C5). Structured the same way
// internal/ospf is: a Process owns adjacencies and a link-state database,
// and schedules SPF via internal/clock — generalized from OSPF's single
// area-less database to two independent per-level databases, since IS-IS
// keeps L1 and L2 topology separate.
package isis

import (
	"net/netip"
	"sort"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
)

// State is one of the three IS-IS adjacency states (spec §4.3.3).
type State int

const (
	Down State = iota
	Initialising
	Up
)

func (s State) String() string {
	switch s {
	case Down:
		return "Down"
	case Initialising:
		return "Initialising"
	case Up:
		return "Up"
	default:
		return "Unknown"
	}
}

// Level selects which IS-IS level an adjacency or LSP belongs to.
type Level int

const (
	L1 Level = 1
	L2 Level = 2
)

const AdminDistance uint32 = 115

const (
	DefaultHelloInterval = 10 * time.Second
	HoldMultiplier       = 3
)

// LSP is one link-state PDU: one system's adjacency list at a given level.
type LSP struct {
	SystemID  uint32
	Level     Level
	Links     map[uint32]uint32
	Installed int64
}

// Adjacency is one IS-IS neighbor relationship.
type Adjacency struct {
	SystemID uint32
	Addr     netip.Addr
	Iface    string
	Level    Level

	state   State
	holdTok clock.Token
}

// Process is one IS-IS instance running at L1, L2, or both.
type Process struct {
	systemID uint32
	clk      clock.Clock
	bus      *events.Bus
	ribOut   chan<- rib.Update

	adjacencies map[string]*Adjacency
	lsdb        map[Level]map[uint32]*LSP
	spfTok      clock.Token
	spfHold     time.Duration
	lastOwn     map[Level][]netip.Prefix
}

// DefaultSPFHold is the debounce interval between a topology change and
// the resulting SPF run (spec §4.3.3).
const DefaultSPFHold = 5 * time.Second

// NewProcess creates an IS-IS process for systemID.
func NewProcess(systemID uint32, clk clock.Clock, bus *events.Bus, ribOut chan<- rib.Update) *Process {
	return &Process{
		systemID:    systemID,
		clk:         clk,
		bus:         bus,
		ribOut:      ribOut,
		adjacencies: make(map[string]*Adjacency),
		lsdb:        map[Level]map[uint32]*LSP{L1: {}, L2: {}},
		spfHold:     DefaultSPFHold,
		lastOwn:     make(map[Level][]netip.Prefix),
	}
}

func adjKey(iface string, addr netip.Addr) string { return iface + "|" + addr.String() }

// AddAdjacency registers a new IS-IS adjacency in Down.
func (p *Process) AddAdjacency(iface string, addr netip.Addr, level Level) *Adjacency {
	a := &Adjacency{Addr: addr, Iface: iface, Level: level, state: Down}
	p.adjacencies[adjKey(iface, addr)] = a
	return a
}

func (p *Process) setState(a *Adjacency, s State) {
	if a.state == s {
		return
	}
	a.state = s
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: events.NeighborChanged, Name: a.Addr.String(), State: s.String(), Protocol: "ISIS"})
	}
}

// HelloReceived drives Down -> Initialising -> Up, re-arming the hold
// timer (spec §4.3.3: "hold multiplier 3" of the hello interval) on every
// Hello PDU.
func (p *Process) HelloReceived(iface string, addr netip.Addr, sawUs bool) {
	a, ok := p.adjacencies[adjKey(iface, addr)]
	if !ok {
		return
	}
	p.armHoldTimer(a)

	switch a.state {
	case Down:
		p.setState(a, Initialising)
	case Initialising:
		if sawUs {
			p.setState(a, Up)
		}
	}
}

func (p *Process) armHoldTimer(a *Adjacency) {
	p.clk.Cancel(a.holdTok)
	a.holdTok = p.clk.After(DefaultHelloInterval*HoldMultiplier, func() {
		p.setState(a, Down)
		p.scheduleSPF(a.Level)
	})
}

// InstallLSP adds or replaces an LSP in the per-level database and
// schedules an SPF run for that level.
func (p *Process) InstallLSP(l LSP) {
	l.Installed = p.clk.Now()
	p.lsdb[l.Level][l.SystemID] = &l
	p.scheduleSPF(l.Level)
}

// scheduleSPF debounces an SPF recomputation (spec §4.3.3's 5s SPF hold):
// a topology change at either level re-arms one shared timer that, on
// expiry, runs RunBothLevels rather than just the triggering level, so
// L1-over-L2 preference (below) holds even when only one level's LSDB
// actually changed.
func (p *Process) scheduleSPF(level Level) {
	p.clk.Cancel(p.spfTok)
	p.spfTok = p.clk.After(p.spfHold, p.RunBothLevels)
}

// RunBothLevels recomputes SPF for L2 then L1, in that order. Where both
// levels reach the same destination, L1 wins (spec: "L1 routes preferred
// over L2 for intra-area") because L1's Install call lands last and
// internal/rib keeps only one candidate per (prefix, protocol) — the
// later write replaces the earlier one.
func (p *Process) RunBothLevels() {
	p.runSPF(L2)
	p.runSPF(L1)
}

// runSPF computes shortest paths within one level's LSDB and installs
// them at admin distance 115 (spec §4.3.3).
func (p *Process) runSPF(level Level) {
	db := p.lsdb[level]
	dist := map[uint32]uint32{p.systemID: 0}
	nextHop := map[uint32]uint32{}
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

		lsp, ok := db[u]
		if !ok {
			continue
		}
		neighborIDs := make([]uint32, 0, len(lsp.Links))
		for nb := range lsp.Links {
			neighborIDs = append(neighborIDs, nb)
		}
		sort.Slice(neighborIDs, func(i, j int) bool { return neighborIDs[i] < neighborIDs[j] })

		for _, nb := range neighborIDs {
			alt := ud + lsp.Links[nb]
			if cur, has := dist[nb]; !has || alt < cur {
				dist[nb] = alt
				if u == p.systemID {
					nextHop[nb] = nb
				} else {
					nextHop[nb] = nextHop[u]
				}
			}
		}
	}

	var installed []netip.Prefix
	for id, cost := range dist {
		if id == p.systemID {
			continue
		}
		nh, ok := nextHop[id]
		if !ok {
			continue
		}
		dest := systemIDPrefix(id)
		route := &rib.Route{
			Dest:      dest,
			NextHop:   systemIDAddr(nh),
			Protocol:  proto.ISIS,
			Metric:    cost,
			AdminDist: AdminDistance,
			Attrs:     proto.Attrs{ISISLevel: int(level)},
		}
		p.ribOut <- rib.Update{Install: true, Route: route, Dest: dest, Proto: proto.ISIS}
		installed = append(installed, dest)
	}

	for _, prev := range p.lastOwn[level] {
		if !containsPrefix(installed, prev) {
			p.ribOut <- rib.Update{Install: false, Dest: prev, Proto: proto.ISIS}
		}
	}
	p.lastOwn[level] = installed
}

func containsPrefix(list []netip.Prefix, p netip.Prefix) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func systemIDPrefix(id uint32) netip.Prefix {
	addr := systemIDAddr(id)
	p, _ := addr.Prefix(32)
	return p
}

func systemIDAddr(id uint32) netip.Addr {
	b := [4]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	return netip.AddrFrom4(b)
}
