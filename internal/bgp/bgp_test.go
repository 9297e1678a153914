package bgp

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

type recordingTransport struct {
	sent [][]byte
}

func (t *recordingTransport) Send(frame []byte) error {
	t.sent = append(t.sent, frame)
	return nil
}

func TestOpenRoundTrip(t *testing.T) {
	o := Open{Version: 4, ASN: 65001, HoldTime: 180, RouterID: 0x0a000001}
	frame := MarshalOpen(o)

	m, n, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, TypeOpen, m.Type)
	require.Equal(t, o, *m.Open)
}

func TestUpdateRoundTrip(t *testing.T) {
	u := Update{
		WithdrawnRoutes: []NLRI{{PrefixLen: 24, Prefix: [4]byte{10, 0, 1, 0}}},
		PathAttrs: []PathAttr{
			{Type: AttrOrigin, Flags: flagWellKnown(), Value: []byte{0}},
			{Type: AttrNextHop, Flags: flagWellKnown(), Value: []byte{192, 168, 1, 1}},
			{Type: AttrMED, Flags: flagOptional, Value: []byte{0, 0, 0, 5}},
		},
		NLRI: []NLRI{{PrefixLen: 24, Prefix: [4]byte{10, 0, 2, 0}}},
	}
	frame := MarshalUpdate(u)

	m, n, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, TypeUpdate, m.Type)
	require.Len(t, m.Update.WithdrawnRoutes, 1)
	require.Len(t, m.Update.NLRI, 1)
	require.Len(t, m.Update.PathAttrs, 3)
}

func flagWellKnown() attrFlag { return 0 }

func TestFSMEstablishesOnOpenThenKeepalive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	speaker := NewSpeaker(make(chan rib.Update, 10))
	cfg := NeighborConfig{Addr: netip.MustParseAddr("192.0.2.1"), LocalASN: 65001, RemoteASN: 65002, RouterID: 1}
	n := NewNeighbor(cfg, clk, nil, speaker)
	tr := &recordingTransport{}

	n.ManualStart()
	require.Equal(t, Connect, n.State())

	require.NoError(t, n.TransportEstablished(tr))
	require.Equal(t, OpenSent, n.State())

	require.NoError(t, n.HandleMessage(ctx, tr, Message{Type: TypeOpen, Open: &Open{Version: 4, ASN: 65002, HoldTime: 90, RouterID: 2}}))
	require.Equal(t, OpenConfirm, n.State())

	require.NoError(t, n.HandleMessage(ctx, tr, Message{Type: TypeKeepalive}))
	require.Equal(t, Established, n.State())
}

func TestFSMResetsToIdleOnNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	speaker := NewSpeaker(make(chan rib.Update, 10))
	cfg := NeighborConfig{Addr: netip.MustParseAddr("192.0.2.1"), LocalASN: 65001, RemoteASN: 65001, RouterID: 1}
	n := NewNeighbor(cfg, clk, nil, speaker)
	n.ManualStart()
	require.NoError(t, n.TransportEstablished(&recordingTransport{}))

	require.NoError(t, n.HandleMessage(ctx, &recordingTransport{}, Message{Type: TypeNotification, Notification: &Notification{ErrorCode: 6}}))
	require.Equal(t, Idle, n.State())
}

func TestUpdateInstallsRouteViaSpeaker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	ribOut := make(chan rib.Update, 10)
	speaker := NewSpeaker(ribOut)
	cfg := NeighborConfig{Addr: netip.MustParseAddr("192.0.2.1"), LocalASN: 65001, RemoteASN: 65002, RouterID: 1}
	n := NewNeighbor(cfg, clk, nil, speaker)
	n.ManualStart()
	tr := &recordingTransport{}
	require.NoError(t, n.TransportEstablished(tr))
	require.NoError(t, n.HandleMessage(ctx, tr, Message{Type: TypeOpen, Open: &Open{Version: 4, ASN: 65002, HoldTime: 90, RouterID: 2}}))
	require.NoError(t, n.HandleMessage(ctx, tr, Message{Type: TypeKeepalive}))
	require.Equal(t, Established, n.State())

	u := &Update{
		PathAttrs: []PathAttr{
			{Type: AttrOrigin, Value: []byte{0}},
			{Type: AttrNextHop, Value: []byte{192, 168, 1, 1}},
		},
		NLRI: []NLRI{{PrefixLen: 24, Prefix: [4]byte{10, 0, 1, 0}}},
	}
	require.NoError(t, n.HandleMessage(ctx, tr, Message{Type: TypeUpdate, Update: u}))

	select {
	case upd := <-ribOut:
		require.True(t, upd.Install)
		require.Equal(t, proto.BGP, upd.Proto)
		require.Equal(t, eBGPAdminDist, upd.Route.AdminDist)
	case <-time.After(time.Second):
		t.Fatal("speaker never pushed an Install to the RIB")
	}
}

func TestBestOfPrefersHigherLocalPref(t *testing.T) {
	set := map[string]bgpAttrs{
		"a": {Attrs: proto.Attrs{LocalPref: 100}},
		"b": {Attrs: proto.Attrs{LocalPref: 200}},
	}
	_, key, ok := bestOf(set)
	require.True(t, ok)
	require.Equal(t, "b", key)
}

func TestBestOfFallsBackToRouterIDAscending(t *testing.T) {
	set := map[string]bgpAttrs{
		"a": {Attrs: proto.Attrs{RouterID: 9}},
		"b": {Attrs: proto.Attrs{RouterID: 3}},
	}
	_, key, ok := bestOf(set)
	require.True(t, ok)
	require.Equal(t, "b", key)
}
