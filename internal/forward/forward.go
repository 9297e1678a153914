// Package forward implements the forwarding plane (spec §4.6, C8): the
// per-ingress-interface task that parses, looks up, TTL-decrements and
// hands packets to the chosen egress interface's shaper.
//
// The lookup-then-enqueue flow and the use of a non-blocking RIB read are
// grounded on the teacher's fib.FIB, which likewise sits between a RIB and
// a per-interface output, generalized here from AFT next-hop-group
// resolution to full longest-prefix-match plus TTL/ICMP handling.
package forward

import (
	"context"
	"net/netip"

	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/iface"
	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/rib"
)

// Lookup is the read-only view of the RIB the forwarding plane needs
// (spec §5: "forwarding lookup is non-blocking, RIB exposes a
// read-optimised snapshot").
type Lookup interface {
	Lookup(addr netip.Addr) (*rib.Route, bool)
}

// Egress resolves an interface name to the Shaper that owns its egress
// queue. Defined as an interface (rather than depending on shaper.Shaper
// directly) so tests can substitute a recording stub.
type Egress interface {
	Enqueue(ifaceName string, p *packet.Packet) (bool, errs.Kind)
}

// Interfaces is the subset of iface.Table the forwarding plane reads, kept
// narrow so it only ever consults interface addressing and TTL-exceeded
// synthesis targets.
type Interfaces interface {
	Get(name string) (*iface.Interface, bool)
}

// Plane is one ingress interface's forwarding task (spec §5: "a forwarding
// task per ingress interface").
type Plane struct {
	ingressName string
	rib         Lookup
	egress      Egress
	ifaces      Interfaces
	bus         *events.Bus
}

// New creates a Plane bound to one ingress interface.
func New(ingressName string, r Lookup, eg Egress, ifaces Interfaces, bus *events.Bus) *Plane {
	return &Plane{ingressName: ingressName, rib: r, egress: eg, ifaces: ifaces, bus: bus}
}

// Run consumes raw frames from in until ctx is cancelled or in is closed,
// processing each with Process.
func (p *Plane) Run(ctx context.Context, in <-chan []byte, now func() int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			p.Process(packet.New(raw, p.ingressName, now()))
		}
	}
}

// Process implements spec §4.6's five forwarding steps for one packet.
func (p *Plane) Process(pkt *packet.Packet) {
	h, ok := pkt.Header()
	if !ok {
		p.drop(errs.ProtocolViolation, pkt)
		return
	}

	if p.isLocal(h.Dst) {
		p.publish(events.Event{Kind: events.PacketDropped, Reason: "LocalDelivery"})
		return
	}

	route, ok := p.rib.Lookup(h.Dst)
	if !ok {
		p.drop(errs.NoRoute, pkt)
		return
	}

	if h.TTL == 0 {
		p.drop(errs.TTLExceeded, pkt)
		return
	}
	newTTL := h.TTL - 1
	if newTTL == 0 {
		p.drop(errs.TTLExceeded, pkt)
		// An ICMP-TimeExceeded reply toward the original source is
		// synthesised and forwarded back out the ingress interface,
		// matching spec §4.6 step 4.
		if icmp := synthesizeTimeExceeded(pkt, p.ingressName); icmp != nil {
			if accepted, reason := p.egress.Enqueue(p.ingressName, icmp); !accepted {
				p.drop(reason, icmp)
			}
		}
		return
	}
	next := pkt.WithTTL(newTTL)

	egressIface, ok := p.ifaces.Get(route.OutIface)
	if !ok || !egressIface.IsOperUp() {
		p.drop(errs.InterfaceDown, next)
		return
	}

	egressIface.CountEgress(next.Size())
	if accepted, reason := p.egress.Enqueue(route.OutIface, next); !accepted {
		p.drop(reason, next)
	}
}

func (p *Plane) isLocal(dst netip.Addr) bool {
	ifc, ok := p.ifaces.(interface {
		All() []*iface.Interface
	})
	if !ok {
		return false
	}
	for _, i := range ifc.All() {
		if i.Addr == dst {
			return true
		}
	}
	return false
}

func (p *Plane) drop(reason errs.Kind, pkt *packet.Packet) {
	p.publish(events.Event{Kind: events.PacketDropped, Reason: string(reason)})
}

func (p *Plane) publish(e events.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(e)
}

// synthesizeTimeExceeded builds a minimal ICMP-TimeExceeded (type 11, code
// 0) IPv4 packet addressed back to the expired packet's source, per spec
// §4.6 step 4. Field layout follows the same IPv4 constants
// internal/packet uses for parsing.
func synthesizeTimeExceeded(expired *packet.Packet, viaIface string) *packet.Packet {
	h, ok := expired.Header()
	if !ok || !h.Src.Is4() {
		return nil
	}
	orig := expired.Bytes()
	payloadLen := len(orig) - 20
	if payloadLen > 8 {
		payloadLen = 8 // RFC 792: include only the IP header + first 8 bytes
	}

	const icmpHdrLen = 8
	total := 20 + icmpHdrLen + 20 + payloadLen
	buf := make([]byte, total)

	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0
	buf[2] = byte(total >> 8)
	buf[3] = byte(total)
	buf[8] = 64 // TTL
	buf[9] = 1  // protocol ICMP
	dst := h.Src.As4()
	copy(buf[16:20], dst[:])
	// Source address left zero: the Plane has no "this router" address
	// to put there, and nothing fills it in later.

	icmpOff := 20
	buf[icmpOff] = 11 // Time Exceeded
	buf[icmpOff+1] = 0
	copy(buf[icmpOff+8:], orig[:min(20+payloadLen, len(orig))])

	return packet.New(buf, viaIface, expired.IngressTimestamp())
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
