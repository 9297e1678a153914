package shaper

import (
	"context"
	"sync"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
)

// tokenBucket implements spec §4.4's single-FIFO token bucket: tokens are
// computed lazily on each dequeue attempt from elapsed wall-clock time
// rather than refilled on a fixed tick, matching "refilled... continuously,
// implemented as computed on dequeue attempt using elapsed time".
type tokenBucket struct {
	cfg   Config
	clk   clock.Clock
	stats statsBox

	mu         sync.Mutex
	queue      []*packet.Packet
	tokens     float64
	lastRefill int64
	wake       chan struct{}
	red        redTracker
}

func newTokenBucket(cfg Config, clk clock.Clock) *tokenBucket {
	return &tokenBucket{
		cfg:        cfg,
		clk:        clk,
		tokens:     float64(cfg.BurstBytes),
		lastRefill: clk.Now(),
		wake:       make(chan struct{}, 1),
	}
}

func (t *tokenBucket) Enqueue(p *packet.Packet) (Verdict, errs.Kind) {
	class, _ := classOf(p)

	t.mu.Lock()
	if t.cfg.RED.Enabled {
		avg := t.red.update(float64(len(t.queue)))
		if redDrop(avg, t.cfg.RED) {
			t.mu.Unlock()
			t.stats.recordDropped(class, p.Size())
			return Dropped, errs.QueueFull
		}
	}
	if len(t.queue) >= t.cfg.QueueLimit {
		t.mu.Unlock()
		t.stats.recordDropped(class, p.Size())
		return Dropped, errs.QueueFull
	}
	t.queue = append(t.queue, p)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return Accepted, ""
}

func (t *tokenBucket) refillLocked() {
	now := t.clk.Now()
	elapsed := now - t.lastRefill
	if elapsed <= 0 {
		return
	}
	t.lastRefill = now
	bytesPerSec := float64(t.cfg.RateBps) / 8
	t.tokens += bytesPerSec * float64(elapsed) / float64(time.Second)
	if t.tokens > float64(t.cfg.BurstBytes) {
		t.tokens = float64(t.cfg.BurstBytes)
	}
}

func (t *tokenBucket) Start(ctx context.Context, out chan<- *packet.Packet) error {
	for {
		t.mu.Lock()
		t.refillLocked()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.wake:
				continue
			}
		}

		head := t.queue[0]
		needed := float64(head.Size())
		if t.tokens < needed {
			bytesPerSec := float64(t.cfg.RateBps) / 8
			var wait time.Duration
			if bytesPerSec > 0 {
				wait = time.Duration((needed - t.tokens) / bytesPerSec * float64(time.Second))
			} else {
				wait = time.Hour // rate 0: never enough tokens, only burst can be spent
			}
			t.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				continue
			case <-t.wake:
				timer.Stop()
				continue
			}
		}

		t.tokens -= needed
		t.queue = t.queue[1:]
		t.mu.Unlock()

		class, _ := classOf(head)
		select {
		case out <- head:
			t.stats.recordProcessed(class, head.Size())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *tokenBucket) Stats() Stats { return t.stats.snapshot() }

func classOf(p *packet.Packet) (packet.QoSClass, bool) {
	h, ok := p.Header()
	if !ok {
		return packet.BestEffort, false
	}
	return h.QoS, true
}
