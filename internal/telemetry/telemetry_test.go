package telemetry

import (
	"net/netip"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/events"
	"github.com/stretchr/testify/require"
)

func TestEventToNotificationRouteActivated(t *testing.T) {
	e := events.Event{
		Kind:        events.RouteChanged,
		RouteAction: events.RouteActivated,
		Prefix:      netip.MustParsePrefix("10.0.0.0/24"),
		NextHop:     netip.MustParseAddr("10.0.0.1"),
	}
	n, err := eventToNotification(e)
	require.NoError(t, err)
	require.Nil(t, n.Delete)
	require.Len(t, n.Update, 1)
}

func TestEventToNotificationRouteWithdrawnEmitsDelete(t *testing.T) {
	e := events.Event{
		Kind:        events.RouteChanged,
		RouteAction: events.RouteWithdrawn,
		Prefix:      netip.MustParsePrefix("10.0.0.0/24"),
	}
	n, err := eventToNotification(e)
	require.NoError(t, err)
	require.Len(t, n.Delete, 1)
	require.Nil(t, n.Update)
}

func TestEventToNotificationStatSampleEmitsOneUpdatePerCounter(t *testing.T) {
	e := events.Event{
		Kind:      events.StatSample,
		Component: "eth0",
		Counters:  map[string]uint64{"in-octets": 10, "out-octets": 20},
	}
	n, err := eventToNotification(e)
	require.NoError(t, err)
	require.Len(t, n.Update, 2)
}

func TestEventToNotificationUnknownKindErrors(t *testing.T) {
	_, err := eventToNotification(events.Event{Kind: events.Kind("bogus")})
	require.Error(t, err)
}

func TestBroadcastLoopFansOutToAllSubscribers(t *testing.T) {
	bus := events.New()
	s := New(bus, 10)
	defer s.Close()

	subChan := make(chan events.Event, 10)
	s.subMu.Lock()
	s.subIDCounter++
	id := s.subIDCounter
	s.subscribers[id] = subChan
	s.subMu.Unlock()

	bus.Publish(events.Event{Kind: events.InterfaceChanged, Name: "eth0", State: "Up"})

	select {
	case e := <-subChan:
		require.Equal(t, events.InterfaceChanged, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}
}
