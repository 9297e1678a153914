package impair

import (
	"context"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/clock"
	"github.com/routersim/routersim/internal/errs"
	"github.com/routersim/routersim/internal/packet"
	"github.com/stretchr/testify/require"
)

func mkPacket() *packet.Packet {
	b := make([]byte, 20)
	b[0] = 0x45
	b[2], b[3] = 0, 20
	b[8] = 64
	b[9] = 17
	return packet.New(b, "eth0", 0)
}

func TestDisabledPipelineIsPassThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	var drops []errs.Kind
	var emitted []*packet.Packet
	pl := New(Config{}, clk, func(k errs.Kind, p *packet.Packet) {
		drops = append(drops, k)
	}, func(p *packet.Packet) {
		emitted = append(emitted, p)
	})

	p := mkPacket()
	pl.Submit(p)

	require.Empty(t, drops)
	require.Len(t, emitted, 1)
	require.Equal(t, p.Bytes(), emitted[0].Bytes())
}

func TestFullLossDropsEveryPacket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	var drops []errs.Kind
	pl := New(Config{LossPct: 100}, clk, func(k errs.Kind, p *packet.Packet) {
		drops = append(drops, k)
	}, func(p *packet.Packet) {
		t.Fatal("no packet should be emitted under 100% loss")
	})

	for i := 0; i < 5; i++ {
		pl.Submit(mkPacket())
	}
	require.Len(t, drops, 5)
	for _, d := range drops {
		require.Equal(t, errs.Loss, d)
	}
}

func TestFullDuplicationEmitsTwoCopies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	emitted := 0
	pl := New(Config{DupPct: 100}, clk, func(k errs.Kind, p *packet.Packet) {
		t.Fatalf("unexpected drop: %s", k)
	}, func(p *packet.Packet) {
		emitted++
	})

	pl.Submit(mkPacket())
	require.Equal(t, 2, emitted)
}

func TestDelayOverflowDropsPacket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	var drops []errs.Kind
	pl := New(Config{DelayMs: float64((61 * time.Second).Milliseconds())}, clk,
		func(k errs.Kind, p *packet.Packet) { drops = append(drops, k) },
		func(p *packet.Packet) { t.Fatal("packet exceeding the 60s cap must not be emitted") })

	pl.Submit(mkPacket())
	require.Equal(t, []errs.Kind{errs.DelayOverflow}, drops)
}

func TestDelayReleasesAfterConfiguredDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	released := make(chan struct{}, 1)
	pl := New(Config{DelayMs: 20}, clk,
		func(k errs.Kind, p *packet.Packet) { t.Fatalf("unexpected drop: %s", k) },
		func(p *packet.Packet) { released <- struct{}{} })

	start := time.Now()
	pl.Submit(mkPacket())

	select {
	case <-released:
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("packet never released")
	}
}

func TestReorderHoldsAndReleasesAfterGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	var order []int
	pl := New(Config{ReorderPct: 100, ReorderGap: 2}, clk,
		func(k errs.Kind, p *packet.Packet) { t.Fatalf("unexpected drop: %s", k) },
		func(p *packet.Packet) {
			seq := int(p.Bytes()[19])
			order = append(order, seq)
		})

	for i := 1; i <= 5; i++ {
		p := mkPacket()
		raw := append([]byte(nil), p.Bytes()...)
		raw[19] = byte(i)
		pl.Submit(packet.New(raw, "eth0", 0))
	}

	// Packet 1 becomes due once packets 2 and 3 have entered the stage, i.e.
	// it is released as a side effect of packet 3 entering, before packet 3
	// itself (since packet 3 is also held under 100% reorder).
	require.Equal(t, []int{1, 2}, order)
}

func TestShutdownDropsPendingDelayedReleaseAsInterfaceDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	emitted := 0
	var dropped []errs.Kind
	pl := New(Config{DelayMs: 30_000}, clk, // well under the 60s scheduleDelay cap
		func(k errs.Kind, p *packet.Packet) { dropped = append(dropped, k) },
		func(p *packet.Packet) { emitted++ })

	pl.Submit(mkPacket())
	pl.Shutdown()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, emitted)
	require.Equal(t, []errs.Kind{errs.InterfaceDown}, dropped)
}

func TestShutdownDropsHeldReorderPacketsAsInterfaceDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	emitted := 0
	var dropped []errs.Kind
	pl := New(Config{ReorderPct: 100, ReorderGap: 5}, clk,
		func(k errs.Kind, p *packet.Packet) { dropped = append(dropped, k) },
		func(p *packet.Packet) { emitted++ })

	pl.Submit(mkPacket())
	pl.Shutdown()

	require.Equal(t, 0, emitted)
	require.Equal(t, []errs.Kind{errs.InterfaceDown}, dropped)
}

func TestBandwidthLimitQueuesBeyondBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := clock.NewWheel(ctx)

	var times []time.Time
	pl := New(Config{BandwidthKbps: 8}, clk, // 1000 bytes/sec, burst 100 bytes
		func(k errs.Kind, p *packet.Packet) { t.Fatalf("unexpected drop: %s", k) },
		func(p *packet.Packet) { times = append(times, time.Now()) })

	// Five 20-byte packets use up the 100-byte burst; the sixth must wait
	// for refill.
	for i := 0; i < 6; i++ {
		pl.Submit(mkPacket())
	}

	require.Eventually(t, func() bool { return len(times) == 6 }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, times[5].Sub(times[4]), time.Millisecond)
}
