// Package iface implements the Interface Table (spec §4, C3): named
// virtual NICs with addressing, admin/oper state, and byte/packet
// counters. Interface holds no egress shaper or impairment instance;
// internal/router keeps those in its own maps keyed by interface name.
//
// State changes publish InterfaceChanged events rather than mutating
// synchronously under a lock held across component boundaries, following
// the teacher's single-owner-task-plus-event pattern (fib.FIB / rib.RIB).
package iface

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/events"
)

// Interface is one virtual NIC (spec §3).
type Interface struct {
	Name      string
	Addr      netip.Addr
	Mask      int // prefix length
	MTU       int
	Bandwidth uint64 // nominal bps

	adminUp atomic.Bool
	operUp  atomic.Bool

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
}

// Table is the set of configured interfaces, created/destroyed only by
// configuration or external admin action (spec §3 lifecycle).
type Table struct {
	mu   sync.RWMutex
	byNm map[string]*Interface
	bus  *events.Bus
}

// New creates an empty Table. bus may be nil if interface-change events are
// not needed (e.g. in unit tests of other components).
func New(bus *events.Bus) *Table {
	return &Table{byNm: make(map[string]*Interface), bus: bus}
}

// Add registers a new interface, admin-up and oper-up by default.
func (t *Table) Add(name string, addr netip.Addr, mask, mtu int, bandwidth uint64) (*Interface, error) {
	if mask < 0 || mask > 32 {
		return nil, errs.Field(errs.InvalidConfig, "mask", "must be 0..32")
	}
	if mtu <= 0 {
		return nil, errs.Field(errs.InvalidConfig, "mtu", "must be > 0")
	}
	iface := &Interface{Name: name, Addr: addr, Mask: mask, MTU: mtu, Bandwidth: bandwidth}
	iface.adminUp.Store(true)
	iface.operUp.Store(true)

	t.mu.Lock()
	t.byNm[name] = iface
	t.mu.Unlock()
	return iface, nil
}

// Remove deletes an interface from the table (external admin / config
// removal only, per spec §3).
func (t *Table) Remove(name string) {
	t.mu.Lock()
	delete(t.byNm, name)
	t.mu.Unlock()
}

// Get returns the named interface, if present.
func (t *Table) Get(name string) (*Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byNm[name]
	return i, ok
}

// All returns a snapshot slice of every interface currently in the table.
func (t *Table) All() []*Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Interface, 0, len(t.byNm))
	for _, i := range t.byNm {
		out = append(out, i)
	}
	return out
}

// OperUp implements rib.IfaceOperUpChecker.
func (t *Table) OperUp(name string) bool {
	i, ok := t.Get(name)
	if !ok {
		return false
	}
	return i.operUp.Load()
}

// SetAdminUp changes the administrative state. Bringing an interface
// admin-down also flips oper-down and publishes InterfaceChanged; bringing
// it admin-up flips oper-up (this simulator has no physical-layer
// detection, so oper state tracks admin state 1:1 except for external link
// events applied via SetOperUp).
func (t *Table) SetAdminUp(name string, up bool) {
	i, ok := t.Get(name)
	if !ok {
		return
	}
	i.adminUp.Store(up)
	t.SetOperUp(name, up)
}

// SetOperUp flips operational state, e.g. in response to an external link
// event, and publishes InterfaceChanged.
func (t *Table) SetOperUp(name string, up bool) {
	i, ok := t.Get(name)
	if !ok {
		return
	}
	changed := i.operUp.Swap(up) != up
	if changed && t.bus != nil {
		state := "down"
		if up {
			state = "up"
		}
		t.bus.Publish(events.Event{Kind: events.InterfaceChanged, Name: name, State: state})
	}
}

// AdminUp reports the administrative state.
func (i *Interface) AdminUp() bool { return i.adminUp.Load() }

// IsOperUp reports the operational state.
func (i *Interface) IsOperUp() bool { return i.operUp.Load() }

// CountIngress adds to the interface's ingress counters.
func (i *Interface) CountIngress(bytes int) {
	i.bytesIn.Add(uint64(bytes))
	i.packetsIn.Add(1)
}

// CountEgress adds to the interface's egress counters.
func (i *Interface) CountEgress(bytes int) {
	i.bytesOut.Add(uint64(bytes))
	i.packetsOut.Add(1)
}

// Counters is a point-in-time read of the interface's atomic counters.
type Counters struct {
	BytesIn, BytesOut, PacketsIn, PacketsOut uint64
}

// Counters returns a snapshot of the interface's traffic counters.
func (i *Interface) Counters() Counters {
	return Counters{
		BytesIn:    i.bytesIn.Load(),
		BytesOut:   i.bytesOut.Load(),
		PacketsIn:  i.packetsIn.Load(),
		PacketsOut: i.packetsOut.Load(),
	}
}

// ClearCounters resets all four counters to zero (spec §6 "clear
// counters").
func (i *Interface) ClearCounters() {
	i.bytesIn.Store(0)
	i.bytesOut.Store(0)
	i.packetsIn.Store(0)
	i.packetsOut.Store(0)
}
