package clock

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// item is one entry in the timer wheel's min-heap, ordered by deadline.
type item struct {
	deadline  int64
	token     Token
	cb        func()
	cancelled bool
	index     int // heap index, maintained by container/heap
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) { n := len(*h); it := x.(*item); it.index = n; *h = append(*h, it) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type scheduleReq struct {
	deadline int64
	cb       func()
	reply    chan Token
}

type cancelReq struct {
	token Token
}

// Wheel is the real-time implementation of Clock. It owns a single
// goroutine that serialises all scheduling decisions so that expired
// callbacks always fire in non-decreasing deadline order (spec §4.1); other
// components never touch the heap directly.
type Wheel struct {
	start    time.Time
	schedCh  chan scheduleReq
	cancelCh chan cancelReq
	nextTok  uint64
}

// NewWheel creates a Wheel and starts its owning goroutine. The goroutine
// exits when ctx is cancelled.
func NewWheel(ctx context.Context) *Wheel {
	w := &Wheel{
		start:    time.Now(),
		schedCh:  make(chan scheduleReq, 256),
		cancelCh: make(chan cancelReq, 256),
	}
	go w.run(ctx)
	return w
}

func (w *Wheel) Now() int64 { return time.Since(w.start).Nanoseconds() }

func (w *Wheel) Schedule(deadline int64, cb func()) Token {
	reply := make(chan Token, 1)
	w.schedCh <- scheduleReq{deadline: deadline, cb: cb, reply: reply}
	return <-reply
}

func (w *Wheel) After(d time.Duration, cb func()) Token {
	return w.Schedule(w.Now()+d.Nanoseconds(), cb)
}

func (w *Wheel) Cancel(t Token) {
	if t == 0 {
		return
	}
	w.cancelCh <- cancelReq{token: t}
}

func (w *Wheel) run(ctx context.Context) {
	h := &itemHeap{}
	heap.Init(h)
	byToken := make(map[Token]*item)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	armed := false

	rearm := func() {
		for h.Len() > 0 && (*h)[0].cancelled {
			it := heap.Pop(h).(*item)
			delete(byToken, it.token)
		}
		if !timer.Stop() && armed {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
		if h.Len() == 0 {
			return
		}
		d := time.Duration((*h)[0].deadline - w.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		armed = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.schedCh:
			tok := Token(atomic.AddUint64(&w.nextTok, 1))
			it := &item{deadline: req.deadline, token: tok, cb: req.cb}
			heap.Push(h, it)
			byToken[tok] = it
			req.reply <- tok
			rearm()
		case req := <-w.cancelCh:
			if it, ok := byToken[req.token]; ok {
				it.cancelled = true
				delete(byToken, req.token)
			}
			rearm()
		case <-timer.C:
			armed = false
			now := w.Now()
			for h.Len() > 0 && (*h)[0].deadline <= now {
				it := heap.Pop(h).(*item)
				delete(byToken, it.token)
				if !it.cancelled {
					it.cb()
				}
			}
			rearm()
		}
	}
}
