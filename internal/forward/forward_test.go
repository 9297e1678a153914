package forward

import (
	"net/netip"
	"testing"

	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/iface"
	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
	"github.com/stretchr/testify/require"
)

func buildPacket(ttl byte, dst netip.Addr) *packet.Packet {
	b := make([]byte, 20)
	b[0] = 0x45
	b[2], b[3] = 0, 20
	b[8] = ttl
	b[9] = 17
	d4 := dst.As4()
	copy(b[16:20], d4[:])
	return packet.New(b, "eth0", 0)
}

type fakeLookup struct {
	route *rib.Route
	ok    bool
}

func (f fakeLookup) Lookup(addr netip.Addr) (*rib.Route, bool) { return f.route, f.ok }

type recordingEgress struct {
	accepted []string
	verdict  bool
	reason   errs.Kind
}

func (e *recordingEgress) Enqueue(ifaceName string, p *packet.Packet) (bool, errs.Kind) {
	e.accepted = append(e.accepted, ifaceName)
	return e.verdict, e.reason
}

func tableWithInterface(t *testing.T, name string, up bool) *iface.Table {
	tbl := iface.New(nil)
	ifc, err := tbl.Add(name, netip.MustParseAddr("10.0.0.1"), 24, 1500, 1_000_000)
	require.NoError(t, err)
	tbl.SetAdminUp(name, up)
	_ = ifc
	return tbl
}

func TestLookupMissDropsNoRoute(t *testing.T) {
	bus := events.New()
	ch, id := bus.Subscribe(4)
	defer bus.Unsubscribe(id)

	tbl := tableWithInterface(t, "eth1", true)
	eg := &recordingEgress{verdict: true}
	p := New("eth0", fakeLookup{ok: false}, eg, tbl, bus)

	p.Process(buildPacket(64, netip.MustParseAddr("8.8.8.8")))

	ev := <-ch
	require.Equal(t, events.PacketDropped, ev.Kind)
	require.Equal(t, string(errs.NoRoute), ev.Reason)
	require.Empty(t, eg.accepted)
}

func TestTTLOneDropsAndSynthesisesICMP(t *testing.T) {
	tbl := tableWithInterface(t, "eth1", true)
	eg := &recordingEgress{verdict: true}
	route := &rib.Route{Dest: netip.MustParsePrefix("8.8.8.0/24"), OutIface: "eth1", Protocol: proto.Static}
	p := New("eth0", fakeLookup{route: route, ok: true}, eg, tbl, nil)

	p.Process(buildPacket(1, netip.MustParseAddr("8.8.8.8")))

	require.Equal(t, []string{"eth0"}, eg.accepted)
}

func TestEgressInterfaceDownDrops(t *testing.T) {
	bus := events.New()
	ch, id := bus.Subscribe(4)
	defer bus.Unsubscribe(id)

	tbl := tableWithInterface(t, "eth1", false)
	eg := &recordingEgress{verdict: true}
	route := &rib.Route{Dest: netip.MustParsePrefix("8.8.8.0/24"), OutIface: "eth1", Protocol: proto.Static}
	p := New("eth0", fakeLookup{route: route, ok: true}, eg, tbl, bus)

	p.Process(buildPacket(64, netip.MustParseAddr("8.8.8.8")))

	ev := <-ch
	require.Equal(t, string(errs.InterfaceDown), ev.Reason)
	require.Empty(t, eg.accepted)
}

func TestSuccessfulForwardDecrementsTTLAndEnqueues(t *testing.T) {
	tbl := tableWithInterface(t, "eth1", true)
	eg := &recordingEgress{verdict: true}
	route := &rib.Route{Dest: netip.MustParsePrefix("8.8.8.0/24"), OutIface: "eth1", Protocol: proto.Static}
	p := New("eth0", fakeLookup{route: route, ok: true}, eg, tbl, nil)

	p.Process(buildPacket(64, netip.MustParseAddr("8.8.8.8")))

	require.Equal(t, []string{"eth1"}, eg.accepted)
}

func TestLocalDeliveryEmitsEventAndDoesNotForward(t *testing.T) {
	bus := events.New()
	ch, id := bus.Subscribe(4)
	defer bus.Unsubscribe(id)

	tbl := tableWithInterface(t, "eth1", true)
	eg := &recordingEgress{verdict: true}
	p := New("eth0", fakeLookup{}, eg, tbl, bus)

	p.Process(buildPacket(64, netip.MustParseAddr("10.0.0.1")))

	ev := <-ch
	require.Equal(t, "LocalDelivery", ev.Reason)
	require.Empty(t, eg.accepted)
}
