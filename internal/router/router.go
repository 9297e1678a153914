// Package router assembles every other package into one running router
// (spec §6's "external collaborator" surface, C8): interfaces, RIB,
// protocol processes, per-interface shaper and impairment pipelines, and
// the forwarding plane, wired the way the teacher's cmd/daemon/main.go
// wires rib.RIB/fib.FIB/telemetry.Server — one struct, one constructor,
// one Start that hands every task to an errgroup (here, via
// internal/supervisor so a non-RIB task panic restarts instead of
// crashing the process, per spec §7).
package router

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/routersim/routersim/internal/bgp"
	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/config"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/forward"
	"github.com/routersim/routersim/internal/iface"
	"github.com/routersim/routersim/internal/impair"
	"github.com/routersim/routersim/internal/isis"
	"github.com/routersim/routersim/internal/ospf"
	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/shaper"
	"github.com/routersim/routersim/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

// Router owns one simulated router's full stack.
type Router struct {
	cfg *config.RouterConfig
	bus *events.Bus
	clk clock.Clock

	ifaces *iface.Table
	rib    *rib.RIB
	ribIn  chan rib.Update

	bgpSpeaker *bgp.Speaker
	bgpNbrs    map[string]*bgp.Neighbor
	ospfProc   *ospf.Process
	isisProc   *isis.Process

	shapers map[string]shaper.Shaper
	impairs map[string]*impair.Pipeline
	planes  map[string]*forward.Plane

	egressOut map[string]chan *packet.Packet
	ingressIn map[string]chan []byte
}

// routerEgress adapts the per-interface shaper map to forward.Egress,
// translating a shaper.Verdict into the bool/errs.Kind pair the
// forwarding plane expects. An interface with no configured shaper
// accepts unconditionally, since shaping is opt-in per spec §4.4.
type routerEgress struct {
	shapers map[string]shaper.Shaper
}

func (e routerEgress) Enqueue(ifaceName string, p *packet.Packet) (bool, errs.Kind) {
	sh, ok := e.shapers[ifaceName]
	if !ok {
		return true, ""
	}
	verdict, reason := sh.Enqueue(p)
	return verdict == shaper.Accepted, reason
}

// New validates cfg and constructs every component, installing connected
// and static routes, but does not start any goroutine (see Start).
func New(cfg *config.RouterConfig, bus *events.Bus, clk clock.Clock) (*Router, error) {
	if violations := cfg.Validate(); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		return nil, &errs.Error{Kind: errs.InvalidConfig, Reason: strings.Join(msgs, "; ")}
	}

	r := &Router{
		cfg:       cfg,
		bus:       bus,
		clk:       clk,
		ifaces:    iface.New(bus),
		ribIn:     make(chan rib.Update, 4096),
		bgpNbrs:   make(map[string]*bgp.Neighbor),
		shapers:   make(map[string]shaper.Shaper),
		impairs:   make(map[string]*impair.Pipeline),
		planes:    make(map[string]*forward.Plane),
		egressOut: make(map[string]chan *packet.Packet),
		ingressIn: make(map[string]chan []byte),
	}

	for _, ic := range cfg.Interfaces {
		addr, err := netip.ParseAddr(ic.Addr)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: "interfaces." + ic.Name + ".addr", Err: err}
		}
		ifc, err := r.ifaces.Add(ic.Name, addr, ic.Mask, ic.MTU, ic.BandwidthBps)
		if err != nil {
			return nil, err
		}
		r.ifaces.SetAdminUp(ifc.Name, true)
		r.ifaces.SetOperUp(ifc.Name, true)
	}

	r.rib = rib.New(rib.WithIfaceChecker(r.ifaces), rib.WithEventBus(bus))

	for _, ic := range cfg.Interfaces {
		addr, _ := netip.ParseAddr(ic.Addr)
		prefix := netip.PrefixFrom(addr, ic.Mask).Masked()
		if err := r.rib.Install(&rib.Route{
			Dest:      prefix,
			NextHop:   addr,
			OutIface:  ic.Name,
			Protocol:  proto.Connected,
			AdminDist: 0,
		}); err != nil {
			return nil, err
		}
	}

	for i, sr := range cfg.StaticRoutes {
		dest, err := netip.ParsePrefix(sr.Dest)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: fmt.Sprintf("static_routes[%d].dest", i), Err: err}
		}
		nh, err := netip.ParseAddr(sr.NextHop)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: fmt.Sprintf("static_routes[%d].next_hop", i), Err: err}
		}
		dist := sr.AdminDist
		if dist == 0 {
			dist = 1
		}
		if err := r.rib.Install(&rib.Route{
			Dest:      dest.Masked(),
			NextHop:   nh,
			OutIface:  sr.OutIface,
			Protocol:  proto.Static,
			AdminDist: dist,
		}); err != nil {
			return nil, err
		}
	}

	if p := cfg.Protocols.BGP; p.Enabled {
		r.bgpSpeaker = bgp.NewSpeaker(r.ribIn)
		routerID, err := idFromString(p.RouterID)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: "protocols.bgp.router_id", Err: err}
		}
		for _, nb := range p.Neighbors {
			addr, err := netip.ParseAddr(nb.Addr)
			if err != nil {
				return nil, &errs.Error{Kind: errs.InvalidConfig, Field: "protocols.bgp.neighbors.addr", Err: err}
			}
			holdTimeS := nb.HoldTimeS
			if holdTimeS == 0 {
				holdTimeS = 180
			}
			ncfg := bgp.NeighborConfig{
				Addr:      addr,
				LocalASN:  p.ASN,
				RemoteASN: nb.RemoteASN,
				RouterID:  routerID,
				HoldTime:  time.Duration(holdTimeS) * time.Second,
			}
			r.bgpNbrs[nb.Addr] = bgp.NewNeighbor(ncfg, clk, bus, r.bgpSpeaker)
		}
	}

	if p := cfg.Protocols.OSPF; p.Enabled {
		routerID, err := idFromString(p.RouterID)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: "protocols.ospf.router_id", Err: err}
		}
		r.ospfProc = ospf.NewProcess(routerID, clk, bus, r.ribIn)
	}

	if p := cfg.Protocols.ISIS; p.Enabled {
		systemID, err := idFromString(p.SystemID)
		if err != nil {
			return nil, &errs.Error{Kind: errs.InvalidConfig, Field: "protocols.isis.system_id", Err: err}
		}
		r.isisProc = isis.NewProcess(systemID, clk, bus, r.ribIn)
	}

	for name, sc := range cfg.Shaping {
		r.shapers[name] = shaper.New(shaperConfigFrom(sc), clk)
	}
	for name, ic := range cfg.Impairments {
		name := name
		pipelineCfg := impairConfigFrom(ic)
		if err := pipelineCfg.Validate(); err != nil {
			return nil, err
		}
		r.impairs[name] = impair.New(pipelineCfg, clk, func(reason errs.Kind, p *packet.Packet) {
			r.bus.Publish(events.Event{Kind: events.PacketDropped, Reason: string(reason), Component: name})
		}, func(p *packet.Packet) {})
	}

	egress := routerEgress{shapers: r.shapers}
	for _, ic := range cfg.Interfaces {
		r.ingressIn[ic.Name] = make(chan []byte, 256)
		r.planes[ic.Name] = forward.New(ic.Name, r.rib, egress, r.ifaces, bus)
	}

	return r, nil
}

// InjectFrame feeds one raw IPv4 frame into an interface's forwarding
// plane, as if it had just arrived on the wire. This module has no real
// NIC capture, so external stimulus (tests, a future packet-generator
// component) uses this entry point instead.
func (r *Router) InjectFrame(ifaceName string, raw []byte) error {
	in, ok := r.ingressIn[ifaceName]
	if !ok {
		return &errs.Error{Kind: errs.InvalidConfig, Field: "interface", Reason: "unknown interface " + ifaceName}
	}
	select {
	case in <- raw:
		return nil
	default:
		return &errs.Error{Kind: errs.QueueFull, Field: "interface", Reason: "ingress queue full for " + ifaceName}
	}
}

// AddOSPFNeighbor and AddISISAdjacency register a newly discovered peer
// in Down state, standing in for the "a Hello arrived from a router we
// don't yet know about" discovery step neither protocol process
// implements on its own (see DESIGN.md).
func (r *Router) AddOSPFNeighbor(ifaceName string, addr netip.Addr, priority uint8) error {
	if r.ospfProc == nil {
		return &errs.Error{Kind: errs.Unsupported, Reason: "OSPF is not enabled"}
	}
	r.ospfProc.AddNeighbor(ifaceName, addr, priority)
	return nil
}

func (r *Router) AddISISAdjacency(ifaceName string, addr netip.Addr, level isis.Level) error {
	if r.isisProc == nil {
		return &errs.Error{Kind: errs.Unsupported, Reason: "IS-IS is not enabled"}
	}
	r.isisProc.AddAdjacency(ifaceName, addr, level)
	return nil
}

// InjectOSPFHello and InjectISISHello feed one Hello stimulus into the
// OSPF/IS-IS adjacency machine, standing in for multicast Hello PDU
// reception. Neither protocol's neighbor discovery is driven by a real
// socket in this module (see DESIGN.md); tests exercise adjacency
// bring-up through these instead, the same way InjectFrame
// stands in for NIC capture on the forwarding plane. The peer must
// already be known via AddOSPFNeighbor/AddISISAdjacency.
func (r *Router) InjectOSPFHello(ifaceName string, addr netip.Addr, sawUs bool) error {
	if r.ospfProc == nil {
		return &errs.Error{Kind: errs.Unsupported, Reason: "OSPF is not enabled"}
	}
	r.ospfProc.HelloReceived(ifaceName, addr, sawUs)
	return nil
}

func (r *Router) InjectISISHello(ifaceName string, addr netip.Addr, sawUs bool) error {
	if r.isisProc == nil {
		return &errs.Error{Kind: errs.Unsupported, Reason: "IS-IS is not enabled"}
	}
	r.isisProc.HelloReceived(ifaceName, addr, sawUs)
	return nil
}

// Start launches the RIB task (fatal on panic) and every protocol/shaping
// task (restarted with backoff on panic), per spec §7's task-criticality
// split, and blocks until ctx is cancelled or a critical task fails.
func (r *Router) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return supervisor.Critical(ctx, "rib", func(ctx context.Context) error {
			return r.rib.Start(ctx, r.ribIn)
		})
	})

	for name, sh := range r.shapers {
		name, sh := name, sh
		out := make(chan *packet.Packet, 4096)
		r.egressOut[name] = out

		g.Go(func() error {
			return supervisor.Supervised(ctx, "shaper-"+name, func(ctx context.Context) error {
				return sh.Start(ctx, (chan<- *packet.Packet)(out))
			}, supervisor.DefaultBackoff())
		})

		// Drains the shaper's release channel into that interface's
		// impairment pipeline, completing the shaper->impair chain spec
		// §5 names. An interface with no configured impairment pipeline
		// just drains the channel to keep the shaper unblocked.
		g.Go(func() error {
			return supervisor.Supervised(ctx, "egress-"+name, func(ctx context.Context) error {
				pl := r.impairs[name]
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case p, ok := <-out:
						if !ok {
							return nil
						}
						if pl != nil {
							pl.Submit(p)
						}
					}
				}
			}, supervisor.DefaultBackoff())
		})
	}

	for addr, nb := range r.bgpNbrs {
		addr, nb := addr, nb
		g.Go(func() error {
			return supervisor.Supervised(ctx, "bgp-"+addr, func(ctx context.Context) error {
				return bgp.DriveNeighbor(ctx, nb, r.clk, bgp.DialTCP)
			}, supervisor.DefaultBackoff())
		})
	}

	for name, pl := range r.planes {
		name, pl := name, pl
		in := r.ingressIn[name]
		g.Go(func() error {
			return supervisor.Supervised(ctx, "forward-"+name, func(ctx context.Context) error {
				return pl.Run(ctx, in, func() int64 { return r.clk.Now() })
			}, supervisor.DefaultBackoff())
		})
	}

	return g.Wait()
}

// --- show / status surface, backing cmd/routersimctl subcommands ---

// InterfaceStatus is one row of `show interfaces`.
type InterfaceStatus struct {
	Name      string
	Addr      netip.Addr
	AdminUp   bool
	OperUp    bool
	Counters  iface.Counters
}

func (r *Router) ShowInterfaces() []InterfaceStatus {
	var out []InterfaceStatus
	for _, ifc := range r.ifaces.All() {
		out = append(out, InterfaceStatus{
			Name:     ifc.Name,
			Addr:     ifc.Addr,
			AdminUp:  ifc.AdminUp(),
			OperUp:   ifc.IsOperUp(),
			Counters: ifc.Counters(),
		})
	}
	return out
}

func (r *Router) ShowRoutes() []*rib.Route {
	return r.rib.Snapshot()
}

// NeighborStatus is one row of `show neighbors`.
type NeighborStatus struct {
	Protocol proto.Tag
	Addr     string
	State    string
}

// ShowNeighbors lists the configured BGP neighbors; OSPF neighbors and
// IS-IS adjacencies are not included.
func (r *Router) ShowNeighbors() []NeighborStatus {
	var out []NeighborStatus
	for addr, n := range r.bgpNbrs {
		out = append(out, NeighborStatus{Protocol: proto.BGP, Addr: addr, State: n.State().String()})
	}
	return out
}

// ShowProtocols reports which protocol processes are enabled.
func (r *Router) ShowProtocols() map[proto.Tag]bool {
	return map[proto.Tag]bool{
		proto.BGP:  r.bgpSpeaker != nil,
		proto.OSPF: r.ospfProc != nil,
		proto.ISIS: r.isisProc != nil,
	}
}

// ShowStatistics reports one interface's shaper counters, if a shaper is
// configured for it.
func (r *Router) ShowStatistics(ifaceName string) (shaper.Stats, bool) {
	sh, ok := r.shapers[ifaceName]
	if !ok {
		return shaper.Stats{}, false
	}
	return sh.Stats(), true
}

// ClearCounters zeroes one interface's byte/packet counters.
func (r *Router) ClearCounters(ifaceName string) error {
	ifc, ok := r.ifaces.Get(ifaceName)
	if !ok {
		return &errs.Error{Kind: errs.InvalidConfig, Field: "interface", Reason: "unknown interface " + ifaceName}
	}
	ifc.ClearCounters()
	return nil
}

func shaperConfigFrom(sc config.ShapingConfig) shaper.Config {
	var algo shaper.Algorithm
	switch sc.Algorithm {
	case "wfq":
		algo = shaper.WeightedFairQueuing
	case "strict_priority":
		algo = shaper.StrictPriority
	default:
		algo = shaper.TokenBucket
	}
	return shaper.Config{
		Algorithm:  algo,
		RateBps:    sc.RateBps,
		BurstBytes: sc.BurstBytes,
		QueueLimit: sc.QueueLimit,
		Weights:    sc.Weights,
		RED: shaper.RED{
			Enabled:        sc.RED.Enabled,
			MinThreshold:   sc.RED.MinThreshold,
			MaxThreshold:   sc.RED.MaxThreshold,
			MaxProbability: sc.RED.MaxProbability,
		},
	}
}

func impairConfigFrom(ic config.ImpairmentConfig) impair.Config {
	var dist impair.Distribution
	switch ic.Distribution {
	case "normal":
		dist = impair.Normal
	case "pareto":
		dist = impair.Pareto
	default:
		dist = impair.Uniform
	}
	return impair.Config{
		LossPct:       ic.LossPct,
		Correlation:   ic.Correlation,
		CorruptPct:    ic.CorruptPct,
		DupPct:        ic.DupPct,
		DelayMs:       ic.DelayMs,
		JitterMs:      ic.JitterMs,
		Distribution:  dist,
		ReorderPct:    ic.ReorderPct,
		ReorderGap:    ic.ReorderGap,
		BandwidthKbps: ic.BandwidthKbps,
	}
}

// idFromString turns a dotted-quad router-id/system-id string into the
// uint32 the protocol packages key their topology on, falling back to a
// plain decimal parse for non-dotted identifiers.
func idFromString(s string) (uint32, error) {
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is4() {
		b := addr.As4()
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return uint32(n), nil
}
