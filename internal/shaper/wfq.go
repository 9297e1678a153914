package shaper

import (
	"context"
	"sync"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
)

type wfqItem struct {
	p *packet.Packet
	f float64
}

type wfqClassQueue struct {
	items []wfqItem
	lastF float64
	red   redTracker
}

// wfq implements spec §4.4's weighted fair queuing: 8 per-class FIFOs,
// virtual-time finish-time scheduling across classes, gated by an
// aggregate token bucket for the configured egress rate.
type wfq struct {
	cfg   Config
	clk   clock.Clock
	stats statsBox

	mu          sync.Mutex
	classes     [NumClasses]wfqClassQueue
	virtualTime float64
	tokens      float64
	lastRefill  int64
	wake        chan struct{}
}

func newWFQ(cfg Config, clk clock.Clock) *wfq {
	w := cfg.Weights
	allZero := true
	for _, v := range w {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		cfg.Weights = DefaultWeights()
	}
	return &wfq{
		cfg:        cfg,
		clk:        clk,
		tokens:     float64(cfg.BurstBytes),
		lastRefill: clk.Now(),
		wake:       make(chan struct{}, 1),
	}
}

func (w *wfq) Enqueue(p *packet.Packet) (Verdict, errs.Kind) {
	class, _ := classOf(p)

	w.mu.Lock()
	cq := &w.classes[class]
	if w.cfg.RED.Enabled {
		avg := cq.red.update(float64(len(cq.items)))
		if redDrop(avg, w.cfg.RED) {
			w.mu.Unlock()
			w.stats.recordDropped(class, p.Size())
			return Dropped, errs.QueueFull
		}
	}
	if len(cq.items) >= w.cfg.QueueLimit {
		w.mu.Unlock()
		w.stats.recordDropped(class, p.Size())
		return Dropped, errs.QueueFull
	}

	weight := w.cfg.Weights[class]
	if weight <= 0 {
		weight = 1
	}
	f := cq.lastF
	if w.virtualTime > f {
		f = w.virtualTime
	}
	f += float64(p.Size()) / weight
	cq.lastF = f
	cq.items = append(cq.items, wfqItem{p: p, f: f})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return Accepted, ""
}

// selectLocked picks the non-empty class with smallest head finish-time;
// ties are broken in favour of the higher class index (spec §4.4). Must
// be called with mu held.
func (w *wfq) selectLocked() (int, bool) {
	best := -1
	var bestF float64
	for c := NumClasses - 1; c >= 0; c-- {
		cq := &w.classes[c]
		if len(cq.items) == 0 {
			continue
		}
		f := cq.items[0].f
		if best == -1 || f < bestF {
			best, bestF = c, f
		}
	}
	return best, best != -1
}

func (w *wfq) refillLocked() {
	now := w.clk.Now()
	elapsed := now - w.lastRefill
	if elapsed <= 0 {
		return
	}
	w.lastRefill = now
	bytesPerSec := float64(w.cfg.RateBps) / 8
	w.tokens += bytesPerSec * float64(elapsed) / float64(time.Second)
	if w.tokens > float64(w.cfg.BurstBytes) {
		w.tokens = float64(w.cfg.BurstBytes)
	}
}

func (w *wfq) Start(ctx context.Context, out chan<- *packet.Packet) error {
	for {
		w.mu.Lock()
		w.refillLocked()
		class, ok := w.selectLocked()
		if !ok {
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
				continue
			}
		}

		cq := &w.classes[class]
		head := cq.items[0]
		needed := float64(head.p.Size())
		if w.tokens < needed {
			bytesPerSec := float64(w.cfg.RateBps) / 8
			var wait time.Duration
			if bytesPerSec > 0 {
				wait = time.Duration((needed - w.tokens) / bytesPerSec * float64(time.Second))
			} else {
				wait = time.Hour
			}
			w.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				continue
			case <-w.wake:
				timer.Stop()
				continue
			}
		}

		w.tokens -= needed
		cq.items = cq.items[1:]
		w.virtualTime = head.f
		w.mu.Unlock()

		c, _ := classOf(head.p)
		select {
		case out <- head.p:
			w.stats.recordProcessed(c, head.p.Size())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *wfq) Stats() Stats { return w.stats.snapshot() }
