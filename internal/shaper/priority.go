package shaper

import (
	"context"
	"sync"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
)

type priorityClassQueue struct {
	items []*packet.Packet
	red   redTracker
}

// priority implements spec §4.4's strict-priority discipline: the highest
// non-empty class is always served; starvation of lower classes is
// accepted and not compensated for, as the spec documents.
type priority struct {
	cfg   Config
	clk   clock.Clock
	stats statsBox

	mu         sync.Mutex
	classes    [NumClasses]priorityClassQueue
	tokens     float64
	lastRefill int64
	wake       chan struct{}
}

func newPriority(cfg Config, clk clock.Clock) *priority {
	return &priority{
		cfg:        cfg,
		clk:        clk,
		tokens:     float64(cfg.BurstBytes),
		lastRefill: clk.Now(),
		wake:       make(chan struct{}, 1),
	}
}

func (pr *priority) Enqueue(p *packet.Packet) (Verdict, errs.Kind) {
	class, _ := classOf(p)

	pr.mu.Lock()
	cq := &pr.classes[class]
	if pr.cfg.RED.Enabled {
		avg := cq.red.update(float64(len(cq.items)))
		if redDrop(avg, pr.cfg.RED) {
			pr.mu.Unlock()
			pr.stats.recordDropped(class, p.Size())
			return Dropped, errs.QueueFull
		}
	}
	if len(cq.items) >= pr.cfg.QueueLimit {
		pr.mu.Unlock()
		pr.stats.recordDropped(class, p.Size())
		return Dropped, errs.QueueFull
	}
	cq.items = append(cq.items, p)
	pr.mu.Unlock()

	select {
	case pr.wake <- struct{}{}:
	default:
	}
	return Accepted, ""
}

func (pr *priority) selectLocked() (int, bool) {
	for c := NumClasses - 1; c >= 0; c-- {
		if len(pr.classes[c].items) > 0 {
			return c, true
		}
	}
	return -1, false
}

func (pr *priority) refillLocked() {
	now := pr.clk.Now()
	elapsed := now - pr.lastRefill
	if elapsed <= 0 {
		return
	}
	pr.lastRefill = now
	bytesPerSec := float64(pr.cfg.RateBps) / 8
	pr.tokens += bytesPerSec * float64(elapsed) / float64(time.Second)
	if pr.tokens > float64(pr.cfg.BurstBytes) {
		pr.tokens = float64(pr.cfg.BurstBytes)
	}
}

func (pr *priority) Start(ctx context.Context, out chan<- *packet.Packet) error {
	for {
		pr.mu.Lock()
		pr.refillLocked()
		class, ok := pr.selectLocked()
		if !ok {
			pr.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pr.wake:
				continue
			}
		}

		cq := &pr.classes[class]
		head := cq.items[0]
		needed := float64(head.Size())
		if pr.tokens < needed {
			bytesPerSec := float64(pr.cfg.RateBps) / 8
			var wait time.Duration
			if bytesPerSec > 0 {
				wait = time.Duration((needed - pr.tokens) / bytesPerSec * float64(time.Second))
			} else {
				wait = time.Hour
			}
			pr.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				continue
			case <-pr.wake:
				timer.Stop()
				continue
			}
		}

		pr.tokens -= needed
		cq.items = cq.items[1:]
		pr.mu.Unlock()

		c, _ := classOf(head)
		select {
		case out <- head:
			pr.stats.recordProcessed(c, head.Size())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (pr *priority) Stats() Stats { return pr.stats.snapshot() }
