// Package telemetry adapts internal/events.Bus into a gNMI Subscribe
// (STREAM mode) server, the spec's external observability surface. Shape
// is grounded on the teacher's pkg/telemetry.GNMIServer: an
// UnimplementedGNMIServer embed, a per-client subscriber channel map
// guarded by a mutex, a broadcast loop draining one upstream channel, and
// a path-builder that turns one domain event into a gNMI Notification.
// Generalized from the teacher's single AFTUpdate shape (prefix /
// next-hop-group / next-hop) to the five events.Kind this module emits
// (RouteChanged, NeighborChanged, InterfaceChanged, PacketDropped,
// StatSample).
package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/routersim/routersim/internal/events"
	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const networkInstanceDefault = "DEFAULT"

// Server implements the gNMI Subscribe RPC over internal/events.Bus.
type Server struct {
	gnmipb.UnimplementedGNMIServer

	bus     *events.Bus
	busChan <-chan events.Event
	busID   int64

	subMu        sync.RWMutex
	subscribers  map[int64]chan events.Event
	subIDCounter int64
}

// New creates a Server subscribed to bus with the given buffer depth.
func New(bus *events.Bus, buffer int) *Server {
	ch, id := bus.Subscribe(buffer)
	s := &Server{
		bus:         bus,
		busChan:     ch,
		busID:       id,
		subscribers: make(map[int64]chan events.Event),
	}
	go s.broadcastLoop()
	return s
}

// Close unsubscribes from the event bus.
func (s *Server) Close() {
	s.bus.Unsubscribe(s.busID)
}

func (s *Server) broadcastLoop() {
	for e := range s.busChan {
		s.sendToSubscribers(e)
	}
}

func (s *Server) sendToSubscribers(e events.Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for id, subChan := range s.subscribers {
		select {
		case subChan <- e:
		default:
			slog.Warn("telemetry subscriber channel full, dropping event", "subscriber", id, "kind", e.Kind)
		}
	}
}

// Subscribe implements the gNMI Subscribe RPC in STREAM mode only.
func (s *Server) Subscribe(stream gnmipb.GNMI_SubscribeServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	if req.GetSubscribe().GetMode() != gnmipb.SubscriptionList_STREAM {
		return status.Errorf(codes.Unimplemented, "only STREAM mode is supported")
	}

	subChan := make(chan events.Event, 100)
	s.subMu.Lock()
	s.subIDCounter++
	id := s.subIDCounter
	s.subscribers[id] = subChan
	s.subMu.Unlock()

	defer func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		close(subChan)
		s.subMu.Unlock()
	}()

	if err := stream.Send(&gnmipb.SubscribeResponse{
		Response: &gnmipb.SubscribeResponse_SyncResponse{SyncResponse: true},
	}); err != nil {
		return err
	}

	for {
		select {
		case e := <-subChan:
			notif, err := eventToNotification(e)
			if err != nil {
				continue
			}
			if err := stream.Send(&gnmipb.SubscribeResponse{
				Response: &gnmipb.SubscribeResponse_Update{Update: notif},
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventToNotification builds the gNMI path/value pair for one domain
// event, following the teacher's per-entry-type switch shape.
func eventToNotification(e events.Event) (*gnmipb.Notification, error) {
	ts := time.Now().UnixNano()

	var path *gnmipb.Path
	var val *gnmipb.TypedValue

	switch e.Kind {
	case events.RouteChanged:
		path = &gnmipb.Path{
			Elem: []*gnmipb.PathElem{
				{Name: "network-instances"},
				{Name: "network-instance", Key: map[string]string{"name": networkInstanceDefault}},
				{Name: "afts"},
				{Name: "ipv4-unicast"},
				{Name: "ipv4-entry", Key: map[string]string{"prefix": e.Prefix.String()}},
				{Name: "state"},
				{Name: "next-hop-address"},
			},
		}
		if e.RouteAction == events.RouteWithdrawn {
			return &gnmipb.Notification{Timestamp: ts, Delete: []*gnmipb.Path{trimLast(path, 2)}}, nil
		}
		val = &gnmipb.TypedValue{Value: &gnmipb.TypedValue_StringVal{StringVal: e.NextHop.String()}}

	case events.NeighborChanged:
		path = &gnmipb.Path{
			Elem: []*gnmipb.PathElem{
				{Name: "network-instances"},
				{Name: "network-instance", Key: map[string]string{"name": networkInstanceDefault}},
				{Name: "protocols"},
				{Name: "protocol", Key: map[string]string{"name": e.Protocol}},
				{Name: "neighbors"},
				{Name: "neighbor", Key: map[string]string{"neighbor-address": e.Name}},
				{Name: "state"},
				{Name: "session-state"},
			},
		}
		val = &gnmipb.TypedValue{Value: &gnmipb.TypedValue_StringVal{StringVal: e.State}}

	case events.InterfaceChanged:
		path = &gnmipb.Path{
			Elem: []*gnmipb.PathElem{
				{Name: "interfaces"},
				{Name: "interface", Key: map[string]string{"name": e.Name}},
				{Name: "state"},
				{Name: "oper-status"},
			},
		}
		val = &gnmipb.TypedValue{Value: &gnmipb.TypedValue_StringVal{StringVal: e.State}}

	case events.PacketDropped:
		path = &gnmipb.Path{
			Elem: []*gnmipb.PathElem{
				{Name: "components"},
				{Name: "component", Key: map[string]string{"name": e.Component}},
				{Name: "state"},
				{Name: "last-drop-reason"},
			},
		}
		val = &gnmipb.TypedValue{Value: &gnmipb.TypedValue_StringVal{StringVal: e.Reason}}

	case events.StatSample:
		return statSampleNotification(e, ts), nil

	default:
		return nil, fmt.Errorf("unknown event kind: %v", e.Kind)
	}

	return &gnmipb.Notification{
		Timestamp: ts,
		Update:    []*gnmipb.Update{{Path: path, Val: val}},
	}, nil
}

// statSampleNotification emits one gNMI Update per counter in e.Counters,
// since a StatSample carries a named set of counters rather than a single
// scalar (unlike the other four event kinds).
func statSampleNotification(e events.Event, ts int64) *gnmipb.Notification {
	updates := make([]*gnmipb.Update, 0, len(e.Counters))
	for counter, value := range e.Counters {
		updates = append(updates, &gnmipb.Update{
			Path: &gnmipb.Path{
				Elem: []*gnmipb.PathElem{
					{Name: "interfaces"},
					{Name: "interface", Key: map[string]string{"name": e.Component}},
					{Name: "state"},
					{Name: "counters"},
					{Name: counter},
				},
			},
			Val: &gnmipb.TypedValue{Value: &gnmipb.TypedValue_UintVal{UintVal: value}},
		})
	}
	return &gnmipb.Notification{Timestamp: ts, Update: updates}
}

func trimLast(p *gnmipb.Path, n int) *gnmipb.Path {
	trimmed := &gnmipb.Path{Elem: p.Elem[:len(p.Elem)-n]}
	return trimmed
}
