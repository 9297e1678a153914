// Package impair implements the per-interface network impairment pipeline
// (spec §4.5, C7): loss, corruption, duplication, delay/jitter, reorder,
// and a secondary bandwidth-limit token bucket, applied in the canonical
// order spec §4.5's table lists, after the shaper (internal/shaper) and
// before the wire.
//
// Delay release and bandwidth-limit waits go through internal/clock, and
// packets held by the reorder stage are kept in the Pipeline itself, so
// that cancelling an interface (admin-down or reconfig) can cancel every
// pending release at once (Shutdown, spec §4.5), the same single-owner-task
// pattern the RIB and FIB use elsewhere in this module.
package impair

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
)

// Distribution selects the delay/jitter sampling distribution (spec §4.5).
type Distribution int

const (
	Uniform Distribution = iota
	Normal
	Pareto
)

// Config parameterises one interface's impairment pipeline. All
// percentages are in [0, 100].
type Config struct {
	LossPct      float64
	Correlation  float64 // Gilbert-Elliott rho, spec §9 resolution
	CorruptPct   float64
	DupPct       float64
	DelayMs      float64
	JitterMs     float64
	Distribution Distribution
	ReorderPct   float64
	ReorderGap   int
	BandwidthKbps uint64
}

// Validate enforces spec §4.5's "parameter out-of-range is rejected at
// configure time" rule.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"loss_pct": c.LossPct, "corrupt_pct": c.CorruptPct,
		"dup_pct": c.DupPct, "reorder_pct": c.ReorderPct,
	} {
		if v < 0 || v > 100 {
			return errs.Field(errs.InvalidImpairment, name, "must be in [0, 100]")
		}
	}
	if c.Correlation < 0 || c.Correlation > 1 {
		return errs.Field(errs.InvalidImpairment, "correlation", "must be in [0, 1]")
	}
	if c.DelayMs < 0 || c.JitterMs < 0 {
		return errs.Field(errs.InvalidImpairment, "delay_ms/jitter_ms", "must be >= 0")
	}
	if c.ReorderGap < 0 {
		return errs.Field(errs.InvalidImpairment, "gap", "must be >= 0")
	}
	return nil
}

// DropFunc is invoked whenever a packet is dropped by the pipeline, so the
// caller can publish a PacketDropped event with the given reason.
type DropFunc func(reason errs.Kind, p *packet.Packet)

// EmitFunc is invoked once per packet (including duplicates) when the
// pipeline has finished processing it and it should proceed to the wire.
type EmitFunc func(p *packet.Packet)

const maxDelay = 60 * time.Second // spec §5: impairment delay release capped at 60s

// Pipeline is one interface's impairment stage chain.
type Pipeline struct {
	cfg Config
	clk clock.Clock
	rng *rand.Rand

	onDrop DropFunc
	onEmit EmitFunc

	mu         sync.Mutex
	geState    bool // Gilbert-Elliott "previous" loss state
	pending    map[clock.Token]*packet.Packet
	reorderSeq int
	held       []*heldPacket

	bwTokens     float64
	bwLastRefill int64
}

type heldPacket struct {
	p          *packet.Packet
	releaseAt  int // reorderSeq value at which this packet becomes due
}

// New creates a Pipeline. onDrop/onEmit must be non-nil.
func New(cfg Config, clk clock.Clock, onDrop DropFunc, onEmit EmitFunc) *Pipeline {
	burstBytes := float64(cfg.BandwidthKbps) * 1000 / 8 * 0.1 // bandwidth_kbps * 100ms / 8
	return &Pipeline{
		cfg:          cfg,
		clk:          clk,
		rng:          rand.New(rand.NewSource(1)),
		onDrop:       onDrop,
		onEmit:       onEmit,
		pending:      make(map[clock.Token]*packet.Packet),
		bwTokens:     burstBytes,
		bwLastRefill: clk.Now(),
	}
}

// Submit pushes p through loss, corruption, duplication and delay/jitter.
// Reorder and bandwidth limiting follow once the sampled delay has elapsed,
// in enterReorder and passBandwidth.
func (pl *Pipeline) Submit(p *packet.Packet) {
	if pl.loseLocked() {
		pl.onDrop(errs.Loss, p)
		return
	}

	p = pl.maybeCorrupt(p)

	if pl.maybeDuplicate() {
		clone := p.Clone()
		pl.scheduleDelay(clone)
	}

	pl.scheduleDelay(p)
}

// loseLocked implements the Gilbert-Elliott two-state loss model (spec
// §4.5/§9): draw a Bernoulli trial on (1-rho)*current + rho*previous,
// where "current" is a fresh independent draw at LossPct and "previous" is
// the pipeline's last outcome.
func (pl *Pipeline) loseLocked() bool {
	if pl.cfg.LossPct <= 0 {
		return false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	current := pl.rng.Float64() < pl.cfg.LossPct/100
	rho := pl.cfg.Correlation
	mixed := (1-rho)*boolToF(current) + rho*boolToF(pl.geState)
	drop := pl.rng.Float64() < mixed
	pl.geState = drop
	return drop
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// maybeCorrupt, maybeDuplicate and sampleDelay all read pl.rng without
// holding pl.mu. That's safe only because Submit is the single entry
// point into the stochastic stages and this module only ever calls it
// from one egress-drain task per interface (spec §5); a Pipeline shared
// across concurrent Submitters would need pl.rng's reads locked too.
func (pl *Pipeline) maybeCorrupt(p *packet.Packet) *packet.Packet {
	if pl.cfg.CorruptPct <= 0 {
		return p
	}
	if pl.rng.Float64() < pl.cfg.CorruptPct/100 {
		bit := pl.rng.Intn(max(1, p.Size()*8))
		return p.Corrupt(bit)
	}
	return p
}

func (pl *Pipeline) maybeDuplicate() bool {
	if pl.cfg.DupPct <= 0 {
		return false
	}
	return pl.rng.Float64() < pl.cfg.DupPct/100
}

// sampleDelay draws a delay in nanoseconds from delay_ms +/- jitter_ms
// using the configured distribution, clamped to >= 0 (spec §4.5).
func (pl *Pipeline) sampleDelay() time.Duration {
	if pl.cfg.DelayMs == 0 && pl.cfg.JitterMs == 0 {
		return 0
	}
	var offset float64
	switch pl.cfg.Distribution {
	case Normal:
		offset = pl.rng.NormFloat64() * pl.cfg.JitterMs
	case Pareto:
		// Shape chosen so the distribution's mean sits near delay_ms;
		// jitter_ms scales the spread.
		const alpha = 2.5
		u := pl.rng.Float64()
		if u < 1e-9 {
			u = 1e-9
		}
		offset = (math.Pow(u, -1/alpha) - 1) * pl.cfg.JitterMs
	default: // Uniform
		offset = (pl.rng.Float64()*2 - 1) * pl.cfg.JitterMs
	}
	d := pl.cfg.DelayMs + offset
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Millisecond))
}

// scheduleDelay samples a delay, rejects it with DelayOverflow if it
// exceeds the 60s cap, and schedules release into the reorder stage.
func (pl *Pipeline) scheduleDelay(p *packet.Packet) {
	d := pl.sampleDelay()
	if d > maxDelay {
		pl.onDrop(errs.DelayOverflow, p)
		return
	}
	if d == 0 {
		pl.enterReorder(p)
		return
	}
	var tok clock.Token
	tok = pl.clk.After(d, func() {
		pl.mu.Lock()
		delete(pl.pending, tok)
		pl.mu.Unlock()
		pl.enterReorder(p)
	})
	pl.mu.Lock()
	pl.pending[tok] = p
	pl.mu.Unlock()
}

// enterReorder implements spec §4.5's reorder stage: with probability
// reorder_pct, hold the packet until `gap` subsequent packets have entered
// this stage, then release it; all others pass straight through. This
// resolves the literal worked example in spec §8 (which contains an
// internal repetition of "#4" and cannot be reproduced verbatim) as: the
// hold counter advances once per packet *entering* the stage, held or not,
// and due packets are released before the triggering packet continues to
// the bandwidth stage.
func (pl *Pipeline) enterReorder(p *packet.Packet) {
	pl.mu.Lock()
	pl.reorderSeq++
	seq := pl.reorderSeq

	var due []*heldPacket
	remaining := pl.held[:0]
	for _, h := range pl.held {
		if seq >= h.releaseAt {
			due = append(due, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	pl.held = remaining

	hold := pl.cfg.ReorderPct > 0 && pl.cfg.ReorderGap > 0 && pl.rng.Float64() < pl.cfg.ReorderPct/100
	if hold {
		pl.held = append(pl.held, &heldPacket{p: p, releaseAt: seq + pl.cfg.ReorderGap})
	}
	pl.mu.Unlock()

	for _, h := range due {
		pl.passBandwidth(h.p)
	}
	if !hold {
		pl.passBandwidth(p)
	}
}

// passBandwidth applies the secondary rate-limit token bucket (spec §4.5)
// before finally emitting.
func (pl *Pipeline) passBandwidth(p *packet.Packet) {
	if pl.cfg.BandwidthKbps == 0 {
		pl.onEmit(p)
		return
	}

	pl.mu.Lock()
	now := pl.clk.Now()
	elapsed := now - pl.bwLastRefill
	pl.bwLastRefill = now
	bytesPerSec := float64(pl.cfg.BandwidthKbps) * 1000 / 8
	burst := bytesPerSec * 0.1
	pl.bwTokens += bytesPerSec * float64(elapsed) / float64(time.Second)
	if pl.bwTokens > burst {
		pl.bwTokens = burst
	}
	needed := float64(p.Size())
	if pl.bwTokens >= needed {
		pl.bwTokens -= needed
		pl.mu.Unlock()
		pl.onEmit(p)
		return
	}
	wait := time.Duration((needed - pl.bwTokens) / bytesPerSec * float64(time.Second))
	pl.mu.Unlock()

	var tok clock.Token
	tok = pl.clk.After(wait, func() {
		pl.mu.Lock()
		delete(pl.pending, tok)
		pl.bwTokens = 0
		pl.bwLastRefill = pl.clk.Now()
		pl.mu.Unlock()
		pl.onEmit(p)
	})
	pl.mu.Lock()
	pl.pending[tok] = p
	pl.mu.Unlock()
}

// Shutdown cancels every pending scheduled release (delay or bandwidth
// wait) and every packet held in the reorder stage, without emitting any
// of them, reporting each as InterfaceDown (spec §4.5: "cancellation of an
// interface... cancels all pending releases and drops them with reason
// InterfaceDown").
func (pl *Pipeline) Shutdown() {
	pl.mu.Lock()
	toks := make([]clock.Token, 0, len(pl.pending))
	dropped := make([]*packet.Packet, 0, len(pl.pending)+len(pl.held))
	for t, p := range pl.pending {
		toks = append(toks, t)
		dropped = append(dropped, p)
	}
	pl.pending = make(map[clock.Token]*packet.Packet)
	for _, h := range pl.held {
		dropped = append(dropped, h.p)
	}
	pl.held = nil
	pl.mu.Unlock()

	for _, t := range toks {
		pl.clk.Cancel(t)
	}
	for _, p := range dropped {
		pl.onDrop(errs.InterfaceDown, p)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
