package ospf

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

func TestNeighborReachesFullOnBidirectionalHello(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	p := NewProcess(1, clk, nil, make(chan rib.Update, 10))
	addr := netip.MustParseAddr("10.0.0.2")
	n := p.AddNeighbor("eth0", addr, 1)
	require.Equal(t, Down, n.state)

	p.HelloReceived("eth0", addr, false)
	require.Equal(t, Init, n.state)

	p.HelloReceived("eth0", addr, true)
	require.Equal(t, Full, n.state)
}

func TestSPFInstallsShortestPathAfterHoldDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	ribOut := make(chan rib.Update, 10)
	p := NewProcess(1, clk, nil, ribOut)
	p.spfHold = 5 * time.Millisecond

	p.InstallLSA(LinkState{RouterID: 1, Links: map[uint32]uint32{2: 10}})
	p.InstallLSA(LinkState{RouterID: 2, Links: map[uint32]uint32{1: 10, 3: 10}})
	p.InstallLSA(LinkState{RouterID: 3, Links: map[uint32]uint32{2: 10}})

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
		require.Equal(t, proto.OSPF, u.Proto)
		require.Equal(t, AdminDistance, u.Route.AdminDist)
	}
}

func TestDeadIntervalTransitionsNeighborDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := clock.NewFake()

	p := NewProcess(1, fake, nil, make(chan rib.Update, 10))
	addr := netip.MustParseAddr("10.0.0.2")
	n := p.AddNeighbor("eth0", addr, 1)
	p.HelloReceived("eth0", addr, false)
	require.Equal(t, Init, n.state)

	fake.Advance(DefaultDeadInterval + time.Second)
	require.Equal(t, Down, n.state)
	_ = ctx
}
