package isis

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/proto"
	"github.com/routersim/routersim/internal/rib"
	"github.com/stretchr/testify/require"
)

func TestAdjacencyReachesUpOnBidirectionalHello(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	p := NewProcess(1, clk, nil, make(chan rib.Update, 10))
	addr := netip.MustParseAddr("10.0.0.2")
	a := p.AddAdjacency("eth0", addr, L1)
	require.Equal(t, Down, a.state)

	p.HelloReceived("eth0", addr, false)
	require.Equal(t, Initialising, a.state)

	p.HelloReceived("eth0", addr, true)
	require.Equal(t, Up, a.state)
}

func TestSPFInstallsShortestPathPerLevel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	ribOut := make(chan rib.Update, 10)
	p := NewProcess(1, clk, nil, ribOut)
	p.spfHold = 5 * time.Millisecond

	p.InstallLSP(LSP{SystemID: 1, Level: L1, Links: map[uint32]uint32{2: 10}})
	p.InstallLSP(LSP{SystemID: 2, Level: L1, Links: map[uint32]uint32{1: 10, 3: 10}})
	p.InstallLSP(LSP{SystemID: 3, Level: L1, Links: map[uint32]uint32{2: 10}})

	var updates []rib.Update
	timeout := time.After(time.Second)
collect:
	for len(updates) < 2 {
		select {
		case u := <-ribOut:
			updates = append(updates, u)
		case <-timeout:
			break collect
		}
	}

	require.Len(t, updates, 2)
	for _, u := range updates {
		require.True(t, u.Install)
		require.Equal(t, proto.ISIS, u.Proto)
		require.Equal(t, AdminDistance, u.Route.AdminDist)
		require.Equal(t, int(L1), u.Route.Attrs.ISISLevel)
	}
}

func TestHoldTimerExpiryDropsAdjacencyToDown(t *testing.T) {
	fake := clock.NewFake()

	p := NewProcess(1, fake, nil, make(chan rib.Update, 10))
	addr := netip.MustParseAddr("10.0.0.2")
	a := p.AddAdjacency("eth0", addr, L1)
	p.HelloReceived("eth0", addr, false)
	require.Equal(t, Initialising, a.state)

	fake.Advance(DefaultHelloInterval*HoldMultiplier + time.Second)
	require.Equal(t, Down, a.state)
}

func TestUnknownAdjacencyHelloIsIgnored(t *testing.T) {
	fake := clock.NewFake()
	p := NewProcess(1, fake, nil, make(chan rib.Update, 10))

	require.NotPanics(t, func() {
		p.HelloReceived("eth0", netip.MustParseAddr("10.0.0.9"), true)
	})
}
