package bgp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/proto"
)

// State is one of the six BGP-4 session states (spec §4.3.1, RFC 4271
// §8). Named and ordered the way transitorykris-kbgp's fsm.go enumerates
// them, generalized from a no-op event router into a real transition
// table driven by internal/clock timers.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

const (
	eBGPAdminDist uint32 = 20
	iBGPAdminDist uint32 = 200
)

// Transport is the minimal abstraction a neighbor FSM needs from its
// underlying connection: send framed bytes. Transport loss is reported to
// the FSM separately, through TransportLost. A real socket implementation,
// or a test double, satisfies this.
type Transport interface {
	Send(frame []byte) error
}

// NeighborConfig is one configured peer (spec §4.3.1 / SPEC_FULL.md §6).
type NeighborConfig struct {
	Addr       netip.Addr
	LocalASN   uint32
	RemoteASN  uint32
	RouterID   uint32
	HoldTime   time.Duration // 0 means the spec default of 180s
	LocalAddr  netip.Addr
}

// BestPathSink receives every neighbor's raw candidate announcements and
// withdrawals, so an owning Speaker can run the BGP-internal best-path
// tie-break (spec §4.3.1) across all neighbors before anything reaches
// internal/rib. A Neighbor never calls rib.RIB directly.
type BestPathSink interface {
	UpdateCandidate(neighbor string, prefix netip.Prefix, attrs bgpAttrs)
	WithdrawCandidate(neighbor string, prefix netip.Prefix)
}

// Neighbor is one peer's FSM plus adj-RIB-in.
type Neighbor struct {
	cfg  NeighborConfig
	clk  clock.Clock
	bus  *events.Bus
	sink BestPathSink

	state        State
	negotiatedHT time.Duration
	kaInterval   time.Duration
	holdTok      clock.Token
	kaTok        clock.Token

	adjRIBIn map[netip.Prefix]*proto.Attrs
}

// NewNeighbor creates a Neighbor FSM in Idle.
func NewNeighbor(cfg NeighborConfig, clk clock.Clock, bus *events.Bus, sink BestPathSink) *Neighbor {
	ht := cfg.HoldTime
	if ht <= 0 {
		ht = 180 * time.Second
	}
	return &Neighbor{
		cfg:          cfg,
		clk:          clk,
		bus:          bus,
		sink:         sink,
		state:        Idle,
		negotiatedHT: ht,
		adjRIBIn:     make(map[netip.Prefix]*proto.Attrs),
	}
}

func (n *Neighbor) isEBGP() bool { return n.cfg.LocalASN != n.cfg.RemoteASN }

func (n *Neighbor) adminDistance() uint32 {
	if n.isEBGP() {
		return eBGPAdminDist
	}
	return iBGPAdminDist
}

func (n *Neighbor) setState(s State) {
	if n.state == s {
		return
	}
	old := n.state
	n.state = s
	if n.bus != nil {
		n.bus.Publish(events.Event{
			Kind:     events.NeighborChanged,
			Name:     n.cfg.Addr.String(),
			State:    s.String(),
			Protocol: "BGP",
		})
	}
	slog.Debug("bgp neighbor state transition", "peer", n.cfg.Addr, "from", old, "to", s)
}

// ManualStart drives Idle -> Connect, matching the administrative event of
// the same name in RFC 4271 §8.1.2.
func (n *Neighbor) ManualStart() {
	if n.state != Idle {
		return
	}
	n.setState(Connect)
}

// TransportEstablished drives Connect/Active -> OpenSent, sending our OPEN.
func (n *Neighbor) TransportEstablished(t Transport) error {
	if n.state != Connect && n.state != Active {
		return errs.New(errs.ProtocolViolation, "transport established outside Connect/Active")
	}
	open := Open{Version: 4, ASN: asn16(n.cfg.LocalASN), HoldTime: uint16(n.negotiatedHT / time.Second), RouterID: n.cfg.RouterID}
	if err := t.Send(MarshalOpen(open)); err != nil {
		return errs.Wrap(errs.TransportLost, err)
	}
	n.setState(OpenSent)
	return nil
}

func asn16(asn uint32) uint16 {
	if asn > 0xffff {
		return 23456 // AS_TRANS, RFC 6793
	}
	return uint16(asn)
}

// HandleMessage processes one decoded message arriving from t, advancing
// the FSM per spec §4.3.1's transition table.
func (n *Neighbor) HandleMessage(ctx context.Context, t Transport, m Message) error {
	switch m.Type {
	case TypeOpen:
		return n.handleOpen(t, m.Open)
	case TypeKeepalive:
		return n.handleKeepalive(t)
	case TypeUpdate:
		return n.handleUpdate(m.Update)
	case TypeNotification:
		n.toIdle("NOTIFICATION received")
		return nil
	}
	return nil
}

func (n *Neighbor) handleOpen(t Transport, o *Open) error {
	if n.state != OpenSent {
		n.toIdle("OPEN received outside OpenSent")
		return errs.New(errs.ProtocolViolation, "unexpected OPEN")
	}
	if o == nil {
		return errs.New(errs.ProtocolViolation, "nil OPEN body")
	}
	remoteHT := time.Duration(o.HoldTime) * time.Second
	if remoteHT > 0 && remoteHT < n.negotiatedHT {
		n.negotiatedHT = remoteHT
	}
	n.kaInterval = n.negotiatedHT / 3
	if err := t.Send(MarshalKeepalive()); err != nil {
		return errs.Wrap(errs.TransportLost, err)
	}
	n.setState(OpenConfirm)
	n.armHoldTimer(t)
	return nil
}

func (n *Neighbor) handleKeepalive(t Transport) error {
	switch n.state {
	case OpenConfirm:
		n.setState(Established)
		n.armHoldTimer(t)
		n.armKeepaliveTimer(t)
	case Established:
		n.armHoldTimer(t)
	default:
		n.toIdle("KEEPALIVE received outside OpenConfirm/Established")
		return errs.New(errs.ProtocolViolation, "unexpected KEEPALIVE")
	}
	return nil
}

// handleUpdate implements spec §4.3.1's UPDATE handling: withdraw first,
// then install the winning NLRI per prefix after the BGP-internal
// best-path tie-break (only a single best is exposed to the RIB).
func (n *Neighbor) handleUpdate(u *Update) error {
	if n.state != Established {
		n.toIdle("UPDATE received outside Established")
		return errs.New(errs.ProtocolViolation, "unexpected UPDATE")
	}
	if u == nil {
		return nil
	}

	for _, w := range u.WithdrawnRoutes {
		prefix := nlriToPrefix(w)
		delete(n.adjRIBIn, prefix)
		n.sink.WithdrawCandidate(n.cfg.Addr.String(), prefix)
	}

	if len(u.NLRI) == 0 {
		return nil
	}
	attrs := attrsFromPath(u.PathAttrs, n.isEBGP(), n.cfg.RouterID)
	attrs.adminDist = n.adminDistance()
	for _, entry := range u.NLRI {
		prefix := nlriToPrefix(entry)
		a := attrs
		n.adjRIBIn[prefix] = &a.Attrs
		n.sink.UpdateCandidate(n.cfg.Addr.String(), prefix, a)
	}
	return nil
}

// bgpAttrs bundles the canonical proto.Attrs with the next-hop address and
// admin distance, which the RIB schema carries on Route directly rather
// than in Attrs.
type bgpAttrs struct {
	proto.Attrs
	nextHop   netip.Addr
	adminDist uint32
}

func attrsFromPath(attrs []PathAttr, ebgp bool, routerID uint32) bgpAttrs {
	a := bgpAttrs{Attrs: proto.Attrs{Origin: proto.OriginIncomplete, EBGP: ebgp, RouterID: routerID}}
	for _, p := range attrs {
		switch p.Type {
		case AttrOrigin:
			if len(p.Value) == 1 {
				a.Origin = proto.Origin(p.Value[0])
			}
		case AttrNextHop:
			if len(p.Value) == 4 {
				a.nextHop = netip.AddrFrom4([4]byte(p.Value))
			}
		case AttrMED:
			if len(p.Value) == 4 {
				a.MED = beUint32(p.Value)
			}
		case AttrLocalPref:
			if len(p.Value) == 4 {
				a.LocalPref = beUint32(p.Value)
			}
		case AttrASPath:
			a.ASPath = decodeASPath(p.Value)
		}
	}
	return a
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeASPath(b []byte) []uint32 {
	var out []uint32
	for len(b) >= 2 {
		count := int(b[1])
		b = b[2:]
		for i := 0; i < count && len(b) >= 2; i++ {
			out = append(out, uint32(b[0])<<8|uint32(b[1]))
			b = b[2:]
		}
	}
	return out
}

func nlriToPrefix(n NLRI) netip.Prefix {
	addr := netip.AddrFrom4(n.Prefix)
	p, _ := addr.Prefix(int(n.PrefixLen))
	return p
}

func (n *Neighbor) toIdle(reason string) {
	n.clk.Cancel(n.holdTok)
	n.clk.Cancel(n.kaTok)
	n.setState(Idle)
	slog.Info("bgp neighbor reset to Idle", "peer", n.cfg.Addr, "reason", reason)
}

func (n *Neighbor) armHoldTimer(t Transport) {
	n.clk.Cancel(n.holdTok)
	n.holdTok = n.clk.After(n.negotiatedHT, func() {
		t.Send(MarshalNotification(Notification{ErrorCode: 4 /* Hold Timer Expired */}))
		n.toIdle("hold timer expired")
	})
}

func (n *Neighbor) armKeepaliveTimer(t Transport) {
	if n.kaInterval <= 0 {
		return
	}
	var schedule func()
	schedule = func() {
		n.kaTok = n.clk.After(n.kaInterval, func() {
			t.Send(MarshalKeepalive())
			schedule()
		})
	}
	schedule()
}

// State returns the neighbor's current FSM state.
func (n *Neighbor) State() State { return n.state }

// TransportLost drives any state back to Idle on socket loss (spec
// §4.3.1: "Any -> Idle on ... transport loss").
func (n *Neighbor) TransportLost() {
	n.toIdle("transport lost")
}
