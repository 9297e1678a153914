// Package shaper implements the per-interface egress traffic shaper (spec
// §4.4, C6): token bucket, weighted fair queuing, and strict priority, each
// with an optional RED admission stage, gating packets before they reach
// the impairment pipeline (internal/impair).
//
// The release-loop-owns-its-queue shape is grounded on the teacher's
// single-goroutine-per-component pattern (fib.FIB.Start / rib.RIB.Start):
// each Shaper runs one release goroutine (Start) that drains its queue to
// the downstream channel, and Enqueue appends under the shaper's own
// mutex, so no other component ever touches the queue's internals.
package shaper

import (
	"context"
	"net/netip"
	"sync"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
)

// Verdict is the result of Enqueue.
type Verdict int

const (
	Accepted Verdict = iota
	Dropped
)

// Algorithm selects which scheduling discipline a Shaper instance runs.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	WeightedFairQueuing
	StrictPriority
)

// NumClasses is the fixed QoS class count spec §4.4 names.
const NumClasses = 8

// ClassWeights gives WFQ per-class weights, indexed by packet.QoSClass.
type ClassWeights [NumClasses]float64

// DefaultWeights assigns every class equal weight 1, a reasonable default
// when a config doesn't specify per-class weights.
func DefaultWeights() ClassWeights {
	var w ClassWeights
	for i := range w {
		w[i] = 1
	}
	return w
}

// RED holds Random Early Detection parameters (spec §4.4). Enabled is
// false by default (tail-drop only).
type RED struct {
	Enabled       bool
	MinThreshold  float64
	MaxThreshold  float64
	MaxProbability float64
}

// Config parameterises a Shaper instance.
type Config struct {
	Algorithm  Algorithm
	RateBps    uint64
	BurstBytes uint64
	QueueLimit int // default 1000 per spec §4.4
	Weights    ClassWeights
	RED        RED
	NextHop    netip.Addr // unused by the shaper itself; carried for diagnostics
}

// Stats are the per-shaper counters spec §4.4 requires.
type Stats struct {
	PacketsProcessed uint64
	PacketsDropped   uint64
	PacketsDelayed   uint64
	BytesProcessed   uint64
	BytesDropped     uint64
	PerClassProcessed [NumClasses]uint64
	PerClassDropped   [NumClasses]uint64
}

type statsBox struct {
	mu sync.Mutex
	s  Stats
}

func (b *statsBox) recordProcessed(class packet.QoSClass, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.PacketsProcessed++
	b.s.BytesProcessed += uint64(size)
	if int(class) >= 0 && int(class) < NumClasses {
		b.s.PerClassProcessed[class]++
	}
}

func (b *statsBox) recordDropped(class packet.QoSClass, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.PacketsDropped++
	b.s.BytesDropped += uint64(size)
	if int(class) >= 0 && int(class) < NumClasses {
		b.s.PerClassDropped[class]++
	}
}

func (b *statsBox) recordDelayed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.PacketsDelayed++
}

func (b *statsBox) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

// Shaper is the common interface spec §4.4 names: enqueue plus an internal
// release loop started by Start.
type Shaper interface {
	Enqueue(p *packet.Packet) (Verdict, errs.Kind)
	Start(ctx context.Context, out chan<- *packet.Packet) error
	Stats() Stats
}

// New builds the Shaper implementation selected by cfg.Algorithm.
func New(cfg Config, clk clock.Clock) Shaper {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 1000
	}
	switch cfg.Algorithm {
	case WeightedFairQueuing:
		return newWFQ(cfg, clk)
	case StrictPriority:
		return newPriority(cfg, clk)
	default:
		return newTokenBucket(cfg, clk)
	}
}
