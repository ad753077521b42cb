package baseline

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lochnair/sqm-autorate/internal/probe"
)

func TestEwmaFactorRoundTrip(t *testing.T) {
	// Law 7: ewma_factor(T,H)^(H/T) = 0.5 within 1e-12.
	cases := []struct {
		half   time.Duration
		period time.Duration
	}{
		{135 * time.Second, 500 * time.Millisecond},
		{400 * time.Millisecond, 500 * time.Millisecond},
		{10 * time.Second, time.Second},
	}
	for _, c := range cases {
		alpha := EwmaFactor(c.half, c.period)
		n := c.half.Seconds() / c.period.Seconds()
		got := math.Pow(alpha, n)
		assert.InDelta(t, 0.5, got, 1e-12)
	}
}

func TestIngest_LazyInit(t *testing.T) {
	b := newTestBaseliner(t)
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 12, ReceivedAt: now})

	base, ok := b.baseline.Get(addr)
	require.True(t, ok)
	recent, ok := b.recent.Get(addr)
	require.True(t, ok)
	assert.Equal(t, 10.0, base.DownEWMA)
	assert.Equal(t, 12.0, base.UpEWMA)
	assert.Equal(t, 10.0, recent.DownEWMA)
	assert.Equal(t, 12.0, recent.UpEWMA)
}

func TestIngest_IdempotentOnRepeatedIdenticalSamples(t *testing.T) {
	// Law 6.
	b := newTestBaseliner(t)
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})
	first, _ := b.baseline.Get(addr)

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})
	second, _ := b.baseline.Get(addr)

	assert.InDelta(t, first.DownEWMA, second.DownEWMA, 1e-9)
	assert.InDelta(t, first.UpEWMA, second.UpEWMA, 1e-9)
}

func TestIngest_BaselineNeverExceedsRecent(t *testing.T) {
	// Invariant 1.
	b := newTestBaseliner(t)
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	for i := 0; i < 50; i++ {
		now = now.Add(500 * time.Millisecond)
		v := 10.0
		if i%7 == 0 {
			v = 4.0
		}
		b.ingest(probe.Reply{Reflector: addr, DownTimeMs: v, UpTimeMs: v, ReceivedAt: now})
		base, _ := b.baseline.Get(addr)
		recent, _ := b.recent.Get(addr)
		assert.LessOrEqual(t, base.DownEWMA, recent.DownEWMA+1e-9)
		assert.LessOrEqual(t, base.UpEWMA, recent.UpEWMA+1e-9)
	}
}

func TestIngest_StalenessReset(t *testing.T) {
	b := newTestBaseliner(t)
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})

	later := now.Add(31 * time.Second)
	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 200, UpTimeMs: 200, ReceivedAt: later})

	base, _ := b.baseline.Get(addr)
	assert.Equal(t, 200.0, base.DownEWMA)
}

func TestIngest_AnomalyTriggersReselectAndStaleMark(t *testing.T) {
	// S3.
	reselect := make(chan struct{}, 1)
	b := New(Config{
		Logger:       testLogger(),
		Baseline:     NewStore(),
		Recent:       NewStore(),
		Samples:      make(chan probe.Reply),
		Reselect:     reselect,
		TickInterval: 500 * time.Millisecond,
	})
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})
	now = now.Add(500 * time.Millisecond)

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 6000, UpTimeMs: 10, ReceivedAt: now})

	select {
	case <-reselect:
	default:
		t.Fatal("expected reselection trigger on monster spike")
	}
	base, _ := b.baseline.Get(addr)
	assert.True(t, base.LastReceiveTime.Equal(b.startTime))
}

func TestIngest_ExactThresholdDoesNotTrigger(t *testing.T) {
	// Boundary 9: down_time exactly baseline + 5000 must NOT trigger (strict >).
	reselect := make(chan struct{}, 1)
	b := New(Config{
		Logger:       testLogger(),
		Baseline:     NewStore(),
		Recent:       NewStore(),
		Samples:      make(chan probe.Reply),
		Reselect:     reselect,
		TickInterval: 500 * time.Millisecond,
	})
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()

	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})
	now = now.Add(500 * time.Millisecond)
	b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10 + anomalyThresholdMs, UpTimeMs: 10, ReceivedAt: now})

	select {
	case <-reselect:
		t.Fatal("did not expect a reselection trigger at the exact threshold")
	default:
	}
}

func TestIngest_S1_SingleIdleReflectorConverges(t *testing.T) {
	reselect := make(chan struct{}, 1)
	b := New(Config{
		Logger:       testLogger(),
		Baseline:     NewStore(),
		Recent:       NewStore(),
		Samples:      make(chan probe.Reply),
		Reselect:     reselect,
		TickInterval: 500 * time.Millisecond,
	})
	addr := netip.MustParseAddr("1.1.1.1")
	now := time.Now()
	for i := 0; i < 20; i++ {
		b.ingest(probe.Reply{Reflector: addr, DownTimeMs: 10, UpTimeMs: 10, ReceivedAt: now})
		now = now.Add(500 * time.Millisecond)
	}
	base, _ := b.baseline.Get(addr)
	recent, _ := b.recent.Get(addr)
	assert.InDelta(t, 10.0, base.DownEWMA, 1e-6)
	assert.InDelta(t, 10.0, recent.DownEWMA, 1e-6)
	select {
	case <-reselect:
		t.Fatal("no reselection expected for a steady idle reflector")
	default:
	}
}

func newTestBaseliner(t *testing.T) *Baseliner {
	t.Helper()
	return New(Config{
		Logger:       testLogger(),
		Baseline:     NewStore(),
		Recent:       NewStore(),
		Samples:      make(chan probe.Reply),
		Reselect:     make(chan struct{}, 1),
		TickInterval: 500 * time.Millisecond,
	})
}
