package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWheelFiresInDeadlineOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWheel(ctx)

	var fired []int
	done := make(chan struct{}, 3)
	mark := func(n int) func() {
		return func() {
			fired = append(fired, n)
			done <- struct{}{}
		}
	}

	w.After(30*time.Millisecond, mark(3))
	w.After(10*time.Millisecond, mark(1))
	w.After(20*time.Millisecond, mark(2))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestWheelCancelBeforeFirePreventsCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWheel(ctx)

	fired := false
	tok := w.After(50*time.Millisecond, func() { fired = true })
	w.Cancel(tok)

	time.Sleep(150 * time.Millisecond)
	require.False(t, fired, "cancelled callback must not fire")
}

func TestWheelCancelAfterFireIsNoOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWheel(ctx)

	done := make(chan struct{})
	tok := w.After(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	require.NotPanics(t, func() { w.Cancel(tok) })
}

func TestFakeClockAdvanceFiresDue(t *testing.T) {
	f := NewFake()
	var order []int
	f.Schedule(300, func() { order = append(order, 3) })
	f.Schedule(100, func() { order = append(order, 1) })
	f.Schedule(200, func() { order = append(order, 2) })

	f.Advance(150 * time.Nanosecond)
	require.Equal(t, []int{1}, order)

	f.Advance(100 * time.Nanosecond)
	require.Equal(t, []int{1, 2}, order)

	f.Advance(100 * time.Nanosecond)
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestFakeClockCancelIdempotent(t *testing.T) {
	f := NewFake()
	fired := false
	tok := f.Schedule(100, func() { fired = true })
	f.Cancel(tok)
	f.Cancel(tok) // idempotent
	f.Advance(200 * time.Nanosecond)
	require.False(t, fired)
}
