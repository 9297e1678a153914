package shaper

import (
	"context"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
	"github.com/stretchr/testify/require"
)

func mkPacket(size int) *packet.Packet {
	return packet.New(make([]byte, size), "eth0", 0)
}

func TestTokenBucketQueueFullDropsTail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	s := New(Config{Algorithm: TokenBucket, RateBps: 0, BurstBytes: 0, QueueLimit: 2}, clk)

	v, reason := s.Enqueue(mkPacket(100))
	require.Equal(t, Accepted, v)
	v, _ = s.Enqueue(mkPacket(100))
	require.Equal(t, Accepted, v)
	v, reason = s.Enqueue(mkPacket(100))
	require.Equal(t, Dropped, v)
	require.Equal(t, errs.QueueFull, reason)
}

func TestTokenBucketReleasesWithinBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	s := New(Config{Algorithm: TokenBucket, RateBps: 8_000_000, BurstBytes: 10_000, QueueLimit: 10}, clk)
	out := make(chan *packet.Packet, 10)
	go s.Start(ctx, out)

	v, _ := s.Enqueue(mkPacket(1000))
	require.Equal(t, Accepted, v)

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("packet within burst should release promptly")
	}

	st := s.Stats()
	require.Equal(t, uint64(1), st.PacketsProcessed)
	require.Equal(t, uint64(1000), st.BytesProcessed)
}

func TestPriorityServesHighestClassFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	s := New(Config{Algorithm: StrictPriority, RateBps: 800_000_000, BurstBytes: 1_000_000, QueueLimit: 100}, clk)
	out := make(chan *packet.Packet, 10)

	be := packet.New(buildWithDSCP(0), "eth0", 0)     // BestEffort
	hi := packet.New(buildWithDSCP(56<<2), "eth0", 0) // DSCP 56 -> Critical

	v, _ := s.Enqueue(be)
	require.Equal(t, Accepted, v)
	v, _ = s.Enqueue(hi)
	require.Equal(t, Accepted, v)
	go s.Start(ctx, out)

	select {
	case p := <-out:
		require.Equal(t, hi, p)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for packet")
	}
}

func TestWFQAcceptsAcrossClasses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	s := New(Config{Algorithm: WeightedFairQueuing, RateBps: 80_000_000, BurstBytes: 100_000, QueueLimit: 50}, clk)
	out := make(chan *packet.Packet, 10)
	go s.Start(ctx, out)

	for i := 0; i < 5; i++ {
		raw := make([]byte, 500)
		copy(raw, buildWithDSCP(byte(i)<<5)) // DSCP i<<3, i.e. QoS class i
		v, _ := s.Enqueue(packet.New(raw, "eth0", 0))
		require.Equal(t, Accepted, v)
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 5 {
		select {
		case <-out:
			received++
		case <-timeout:
			t.Fatalf("only received %d/5 packets", received)
		}
	}
}

func TestRateZeroEventuallyDropsQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	s := New(Config{Algorithm: TokenBucket, RateBps: 0, BurstBytes: 100, QueueLimit: 1}, clk)
	out := make(chan *packet.Packet, 10)
	go s.Start(ctx, out)

	// First packet drains the burst.
	v, _ := s.Enqueue(mkPacket(100))
	require.Equal(t, Accepted, v)
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("burst packet should release")
	}

	// Queue limit 1: two more packets, the first occupies the queue
	// (rate 0, no more tokens), the second overflows.
	v, _ = s.Enqueue(mkPacket(100))
	require.Equal(t, Accepted, v)
	v, reason := s.Enqueue(mkPacket(100))
	require.Equal(t, Dropped, v)
	require.Equal(t, errs.QueueFull, reason)
}

func buildWithDSCP(dscpShifted byte) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	b[1] = dscpShifted
	b[2], b[3] = 0, 20
	b[8] = 64
	b[9] = 17
	return b
}
