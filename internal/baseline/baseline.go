// Package baseline maintains the per-reflector dual-EWMA state (the
// "baseliner" of spec.md §4.3) and surfaces reselection triggers on OWD
// anomalies.
package baseline

import (
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/metrics"
	"github.com/Lochnair/sqm-autorate/internal/probe"
)

// Stats is one reflector's entry in either the baseline or recent map.
type Stats struct {
	DownEWMA        float64
	UpEWMA          float64
	LastReceiveTime time.Time
}

// Store is a mutex-guarded map of per-reflector Stats, shared between the
// baseliner (sole writer) and the rate controller / selector (readers).
type Store struct {
	mu sync.Mutex
	m  map[netip.Addr]Stats
}

// NewStore allocates an empty store. Entries are created lazily on first
// sample and are never deleted.
func NewStore() *Store {
	return &Store{m: make(map[netip.Addr]Stats)}
}

// Get returns the stats for addr and whether an entry exists.
func (s *Store) Get(addr netip.Addr) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[addr]
	return v, ok
}

// Set stores stats for addr.
func (s *Store) Set(addr netip.Addr, v Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[addr] = v
}

// Snapshot returns a shallow copy of the whole map, useful for the selector's
// ranking pass and the rate controller's delta computation.
func (s *Store) Snapshot() map[netip.Addr]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[netip.Addr]Stats, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// EwmaFactor derives the per-sample retention factor for a filter with the
// given half-life, sampled every period: α = exp(ln(0.5) / (halfLife/period)).
func EwmaFactor(halfLife, period time.Duration) float64 {
	h := halfLife.Seconds()
	t := period.Seconds()
	return math.Exp(-math.Ln2 * t / h)
}

const (
	// staleResetThreshold is the gap after which a reflector's decayed state
	// is thrown away rather than contaminated by a disrupted probe stream.
	staleResetThreshold = 30 * time.Second

	// anomalyThresholdMs marks a sample as a monster spike requiring
	// reselection and stale-marking, independent of staleResetThreshold.
	anomalyThresholdMs = 5000.0
)

// Baseliner consumes probe.Reply samples and updates the baseline/recent
// stores. Run blocks until the samples channel is closed, at which point it
// returns (the caller treats that as fatal per spec.md §4.3's lifetime).
type Baseliner struct {
	log        *slog.Logger
	baseline   *Store
	recent     *Store
	samples    <-chan probe.Reply
	reselect   chan<- struct{}
	slowFactor float64
	fastFactor float64
	startTime  time.Time
}

// Config bundles the Baseliner's dependencies.
type Config struct {
	Logger       *slog.Logger
	Baseline     *Store
	Recent       *Store
	Samples      <-chan probe.Reply
	Reselect     chan<- struct{}
	TickInterval time.Duration
}

// New constructs a Baseliner. StartTime is captured at construction time and
// used as the stale-mark sentinel for monster-spike anomalies.
func New(cfg Config) *Baseliner {
	return &Baseliner{
		log:        cfg.Logger,
		baseline:   cfg.Baseline,
		recent:     cfg.Recent,
		samples:    cfg.Samples,
		reselect:   cfg.Reselect,
		slowFactor: EwmaFactor(135*time.Second, cfg.TickInterval),
		fastFactor: EwmaFactor(400*time.Millisecond, cfg.TickInterval),
		startTime:  time.Now(),
	}
}

// Run processes samples until the channel closes.
func (b *Baseliner) Run() {
	for sample := range b.samples {
		b.ingest(sample)
	}
}

func (b *Baseliner) triggerReselect() {
	metrics.IncReselectTrigger("baseline")
	select {
	case b.reselect <- struct{}{}:
	default:
	}
}

// ingest runs the per-sample algorithm of spec.md §4.3 steps 1-5.
func (b *Baseliner) ingest(sample probe.Reply) {
	baseline, hadBaseline := b.baseline.Get(sample.Reflector)
	recent, hadRecent := b.recent.Get(sample.Reflector)

	if !hadBaseline {
		baseline = Stats{DownEWMA: sample.DownTimeMs, UpEWMA: sample.UpTimeMs, LastReceiveTime: sample.ReceivedAt}
	}
	if !hadRecent {
		recent = Stats{DownEWMA: sample.DownTimeMs, UpEWMA: sample.UpTimeMs, LastReceiveTime: sample.ReceivedAt}
	}

	// Staleness reset: the probe stream was interrupted for this reflector.
	if sample.ReceivedAt.Sub(baseline.LastReceiveTime) > staleResetThreshold ||
		sample.ReceivedAt.Sub(recent.LastReceiveTime) > staleResetThreshold {
		baseline = Stats{DownEWMA: sample.DownTimeMs, UpEWMA: sample.UpTimeMs, LastReceiveTime: sample.ReceivedAt}
		recent = Stats{DownEWMA: sample.DownTimeMs, UpEWMA: sample.UpTimeMs, LastReceiveTime: sample.ReceivedAt}
	}

	baseline.LastReceiveTime = sample.ReceivedAt
	recent.LastReceiveTime = sample.ReceivedAt

	if sample.UpTimeMs > baseline.UpEWMA+anomalyThresholdMs || sample.DownTimeMs > baseline.DownEWMA+anomalyThresholdMs {
		baseline.LastReceiveTime = b.startTime
		recent.LastReceiveTime = b.startTime
		b.log.Info("baseline: reflector OWD exceeds baseline by more than the anomaly threshold, triggering reselection",
			"reflector", sample.Reflector, "down_ms", sample.DownTimeMs, "up_ms", sample.UpTimeMs)
		b.triggerReselect()
	} else {
		baseline.DownEWMA = baseline.DownEWMA*b.slowFactor + (1-b.slowFactor)*sample.DownTimeMs
		baseline.UpEWMA = baseline.UpEWMA*b.slowFactor + (1-b.slowFactor)*sample.UpTimeMs

		recent.DownEWMA = recent.DownEWMA*b.fastFactor + (1-b.fastFactor)*sample.DownTimeMs
		recent.UpEWMA = recent.UpEWMA*b.fastFactor + (1-b.fastFactor)*sample.UpTimeMs

		if baseline.DownEWMA > recent.DownEWMA {
			baseline.DownEWMA = recent.DownEWMA
		}
		if baseline.UpEWMA > recent.UpEWMA {
			baseline.UpEWMA = recent.UpEWMA
		}
	}

	b.baseline.Set(sample.Reflector, baseline)
	b.recent.Set(sample.Reflector, recent)
	metrics.ObserveBaseline(sample.Reflector, baseline.DownEWMA, baseline.UpEWMA, recent.DownEWMA, recent.UpEWMA)
}
