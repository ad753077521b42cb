package reflector

import (
	"log/slog"
	"math"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/metrics"
)

const (
	initialReselectTimeout = 30 * time.Second
	laterReselectTimeout   = 15 * time.Minute
	cyclesBeforeSlowdown   = 40

	candidateDrawSize = 19

	// minPoolSizeToEnable: spec.md §4.4's enablement rule — at or below this
	// pool size the initial default peer list is used for the process
	// lifetime and the selector is never spawned.
	minPoolSizeToEnable = 5
)

// Selector implements the reflector-selector control loop of spec.md §4.4.
type Selector struct {
	log           *slog.Logger
	pool          *Pool
	peers         *PeerSet
	recent        *baseline.Store
	numReflectors int
	tickInterval  time.Duration
	reselect      <-chan struct{}
	rng           *rand.Rand

	cycle int
}

// Enabled reports whether the selector should be spawned at all, per
// spec.md §4.4's enablement rule.
func Enabled(pool *Pool) bool {
	return pool.Len() > minPoolSizeToEnable
}

// NewSelector constructs a Selector.
func NewSelector(log *slog.Logger, pool *Pool, peers *PeerSet, recent *baseline.Store, numReflectors int, tickInterval time.Duration, reselect <-chan struct{}) *Selector {
	return &Selector{
		log:           log,
		pool:          pool,
		peers:         peers,
		recent:        recent,
		numReflectors: numReflectors,
		tickInterval:  tickInterval,
		reselect:      reselect,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes reselection cycles forever (or until the process exits,
// matching spec.md §5's "run forever or crash" model). There is no ctx
// plumbed through here because the spec's reselect channel is itself the
// only input the loop ever blocks on besides its own sleeps; tests instead
// exercise runCycle directly.
func (s *Selector) Run() {
	for {
		s.waitForTrigger()
		s.runCycle()
		s.cycle++
	}
}

func (s *Selector) waitForTrigger() {
	timeout := initialReselectTimeout
	if s.cycle >= cyclesBeforeSlowdown {
		timeout = laterReselectTimeout
	}
	select {
	case <-s.reselect:
	case <-time.After(timeout):
	}
}

// rankedReflector pairs a candidate with its measured total OWD for the
// sort/truncate/shuffle pass below.
type rankedReflector struct {
	addr netip.Addr
	rtt  int64
}

// runCycle performs one mix-rank-shuffle-retain pass, per spec.md §4.4
// steps 2-8.
func (s *Selector) runCycle() {
	current := s.peers.Snapshot()
	candidates := s.pool.All()

	next := make([]netip.Addr, len(current))
	copy(next, current)
	for i := 0; i < candidateDrawSize; i++ {
		next = append(next, candidates[s.rng.Intn(len(candidates))])
	}

	s.peers.Replace(next)

	time.Sleep(time.Duration(float64(s.tickInterval) * math.Pi))

	var scored []rankedReflector
	for _, addr := range next {
		st, ok := s.recent.Get(addr)
		if !ok {
			s.log.Debug("reflector: no recent OWD sample for candidate, skipping", "reflector", addr)
			continue
		}
		scored = append(scored, rankedReflector{addr: addr, rtt: int64(st.DownEWMA + st.UpEWMA)})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].rtt < scored[j].rtt })

	keep := 2 * s.numReflectors
	if keep > len(scored) {
		keep = len(scored)
	}
	scored = scored[:keep]

	s.rng.Shuffle(len(scored), func(i, j int) { scored[i], scored[j] = scored[j], scored[i] })

	take := s.numReflectors
	if take > len(scored) {
		take = len(scored)
	}
	chosen := make([]netip.Addr, take)
	for i := 0; i < take; i++ {
		chosen[i] = scored[i].addr
	}

	s.peers.Replace(chosen)
	metrics.IncReselectCycle()
	metrics.ObservePeerSetSize(len(chosen))
	s.log.Info("reflector: reselection cycle complete", "peers", len(chosen), "candidates_considered", len(scored))
}
