package rib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/events"
	"github.com/routersim/routersim/internal/proto"
	"github.com/stretchr/testify/require"
)

type fakeIfaces struct {
	up map[string]bool
}

func (f *fakeIfaces) OperUp(name string) bool {
	if f.up == nil {
		return true
	}
	v, ok := f.up[name]
	return !ok || v
}

func mustPrefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }
func mustAddr(s string) netip.Addr    { return netip.MustParseAddr(s) }

func TestStaticRouteLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Install(&Route{
		Dest: mustPrefix("10.0.0.0/24"), NextHop: mustAddr("192.168.1.1"),
		OutIface: "eth1", Protocol: proto.Static, AdminDist: 1, Metric: 0,
	}))

	got, ok := r.Lookup(mustAddr("10.0.0.42"))
	require.True(t, ok)
	require.Equal(t, mustAddr("192.168.1.1"), got.NextHop)

	_, ok = r.Lookup(mustAddr("10.0.1.42"))
	require.False(t, ok)
}

func TestAdminDistancePreferenceAndEventOrder(t *testing.T) {
	bus := events.New()
	ch, _ := bus.Subscribe(16)
	r := New(WithEventBus(bus))

	dest := mustPrefix("10.0.0.0/24")
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.1"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.2"), OutIface: "eth0", Protocol: proto.BGP, AdminDist: 20}))

	got, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, proto.Static, got.Protocol)

	require.NoError(t, r.Withdraw(dest, proto.Static))
	got, ok = r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, proto.BGP, got.Protocol)

	require.NoError(t, r.Withdraw(dest, proto.BGP))
	_, ok = r.Lookup(mustAddr("10.0.0.1"))
	require.False(t, ok)

	var actions []events.RouteAction
	drain := func() {
		for {
			select {
			case e := <-ch:
				actions = append(actions, e.RouteAction)
			default:
				return
			}
		}
	}
	time.Sleep(5 * time.Millisecond)
	drain()
	require.Equal(t, []events.RouteAction{
		events.RouteActivated, events.RouteReplaced, events.RouteWithdrawn,
	}, actions)
}

func TestDecisionFiltersOperDownInterface(t *testing.T) {
	ifaces := &fakeIfaces{up: map[string]bool{"eth0": false, "eth1": true}}
	r := New(WithIfaceChecker(ifaces))

	dest := mustPrefix("10.0.0.0/24")
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.1"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.2"), OutIface: "eth1", Protocol: proto.OSPF, AdminDist: 110}))

	got, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, proto.OSPF, got.Protocol, "down interface candidate must be excluded even though it has a better admin distance")
}

func TestTieBreakOnProtocolRankBeforeNextHop(t *testing.T) {
	r := New()
	dest := mustPrefix("10.0.0.0/24")
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.9"), OutIface: "eth0", Protocol: proto.OSPF, AdminDist: 110, Metric: 5}))
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("192.168.1.2"), OutIface: "eth0", Protocol: proto.ISIS, AdminDist: 110, Metric: 5}))

	// Equal admin distance and metric: OSPF ranks before IS-IS, so its
	// lexicographically larger next hop still wins.
	got, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, mustAddr("192.168.1.9"), got.NextHop)
}

func TestInvalidPrefixRejected(t *testing.T) {
	r := New()
	err := r.Install(&Route{Dest: netip.PrefixFrom(mustAddr("10.0.0.0"), 33)})
	require.Error(t, err)
}

func TestAgingRemovesStaleCandidateAndPromotes(t *testing.T) {
	r := New(WithStaleTimeout(proto.BGP, 10*time.Second))
	dest := mustPrefix("10.0.0.0/24")

	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("1.1.1.1"), OutIface: "eth0", Protocol: proto.BGP, AdminDist: 20, LastUpdate: 0}))
	require.NoError(t, r.Install(&Route{Dest: dest, NextHop: mustAddr("2.2.2.2"), OutIface: "eth0", Protocol: proto.OSPF, AdminDist: 110, LastUpdate: 0}))

	got, _ := r.Lookup(mustAddr("10.0.0.1"))
	require.Equal(t, proto.BGP, got.Protocol)

	r.Age((11 * time.Second).Nanoseconds())

	got, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, proto.OSPF, got.Protocol, "stale BGP candidate should be aged out, promoting OSPF")
}

func TestSnapshotIsConsistentCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Install(&Route{Dest: mustPrefix("10.0.0.0/24"), NextHop: mustAddr("1.1.1.1"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))
	require.NoError(t, r.Install(&Route{Dest: mustPrefix("20.0.0.0/24"), NextHop: mustAddr("2.2.2.2"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	snap[0].NextHop = mustAddr("9.9.9.9")
	got, _ := r.Lookup(mustAddr(snap[0].Dest.Addr().String()))
	require.NotEqual(t, mustAddr("9.9.9.9"), got.NextHop, "mutating a snapshot entry must not affect the RIB")
}

func TestPrefixLengthZeroMatchesEverything(t *testing.T) {
	r := New()
	require.NoError(t, r.Install(&Route{Dest: mustPrefix("0.0.0.0/0"), NextHop: mustAddr("1.1.1.1"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))
	_, ok := r.Lookup(mustAddr("203.0.113.5"))
	require.True(t, ok)
}

func TestHostRouteMatchesOnlyExactAddress(t *testing.T) {
	r := New()
	require.NoError(t, r.Install(&Route{Dest: mustPrefix("10.0.0.1/32"), NextHop: mustAddr("1.1.1.1"), OutIface: "eth0", Protocol: proto.Static, AdminDist: 1}))
	_, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	_, ok = r.Lookup(mustAddr("10.0.0.2"))
	require.False(t, ok)
}

// strictIfaces reports every unregistered interface name (including "")
// as down, matching internal/iface.Table's real OperUp behavior — unlike
// fakeIfaces above, which defaults unknown names to up and so would never
// have caught the OutIface-resolution bug this test guards against.
type strictIfaces struct {
	up map[string]bool
}

func (s *strictIfaces) OperUp(name string) bool { return s.up[name] }

func TestProtocolRouteWithoutOutIfaceResolvesViaConnectedPrefix(t *testing.T) {
	ifaces := &strictIfaces{up: map[string]bool{"eth0": true}}
	r := New(WithIfaceChecker(ifaces))

	require.NoError(t, r.Install(&Route{
		Dest: mustPrefix("192.168.1.0/24"), NextHop: mustAddr("192.168.1.1"),
		OutIface: "eth0", Protocol: proto.Connected, AdminDist: 0,
	}))

	// BGP/OSPF/IS-IS routes never carry their own OutIface; the RIB must
	// resolve it from the connected prefix the next hop falls within, or
	// OperUp("") would always report down and the route could never
	// become active.
	require.NoError(t, r.Install(&Route{
		Dest: mustPrefix("10.0.0.0/24"), NextHop: mustAddr("192.168.1.2"),
		Protocol: proto.BGP, AdminDist: 20,
	}))

	got, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, proto.BGP, got.Protocol)
	require.Equal(t, "eth0", got.OutIface)
}

func TestProtocolRouteWithUnresolvableNextHopStaysInactive(t *testing.T) {
	ifaces := &strictIfaces{up: map[string]bool{"eth0": true}}
	r := New(WithIfaceChecker(ifaces))

	require.NoError(t, r.Install(&Route{
		Dest: mustPrefix("192.168.1.0/24"), NextHop: mustAddr("192.168.1.1"),
		OutIface: "eth0", Protocol: proto.Connected, AdminDist: 0,
	}))
	require.NoError(t, r.Install(&Route{
		Dest: mustPrefix("10.0.0.0/24"), NextHop: mustAddr("203.0.113.2"),
		Protocol: proto.BGP, AdminDist: 20,
	}))

	_, ok := r.Lookup(mustAddr("10.0.0.1"))
	require.False(t, ok, "a next hop outside every connected prefix cannot resolve an egress interface and must not become active")
}
