package reflector

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
)

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled(NewPool(addrs("1.1.1.1", "8.8.8.8"))))
	pool := NewPool(addrs("1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5", "6.6.6.6"))
	assert.True(t, Enabled(pool))
}

func TestRunCycle_PeerSetSizeNeverExceedsNumReflectors(t *testing.T) {
	// Invariant 5.
	candidates := make([]netip.Addr, 20)
	for i := range candidates {
		candidates[i] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
	}
	pool := NewPool(candidates)
	peers := NewPeerSet(candidates[:5])
	recent := baseline.NewStore()
	for _, c := range candidates {
		recent.Set(c, baseline.Stats{DownEWMA: 5, UpEWMA: 5, LastReceiveTime: time.Now()})
	}

	sel := NewSelector(testLogger(), pool, peers, recent, 5, time.Millisecond, make(chan struct{}))
	sel.runCycle()

	require.LessOrEqual(t, peers.Len(), 5)
	require.LessOrEqual(t, peers.Len(), pool.Len())
}

func TestRunCycle_SkipsCandidatesWithNoRecentEntry(t *testing.T) {
	candidates := make([]netip.Addr, 20)
	for i := range candidates {
		candidates[i] = netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
	}
	pool := NewPool(candidates)
	peers := NewPeerSet(candidates[:5])
	recent := baseline.NewStore() // no entries at all

	sel := NewSelector(testLogger(), pool, peers, recent, 5, time.Millisecond, make(chan struct{}))
	sel.runCycle()

	assert.Equal(t, 0, peers.Len())
}

func TestWaitForTrigger_ReturnsOnTriggerAfterCycleThreshold(t *testing.T) {
	pool := NewPool(addrs("1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5", "6.6.6.6"))
	peers := NewPeerSet(addrs("1.1.1.1"))
	recent := baseline.NewStore()
	sel := NewSelector(testLogger(), pool, peers, recent, 5, time.Millisecond, make(chan struct{}))

	sel.cycle = cyclesBeforeSlowdown
	trigger := make(chan struct{}, 1)
	sel.reselect = trigger

	done := make(chan struct{})
	go func() {
		sel.waitForTrigger()
		close(done)
	}()
	trigger <- struct{}{}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForTrigger did not return promptly on trigger")
	}
}
