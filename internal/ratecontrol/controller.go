package ratecontrol

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/metrics"
	"github.com/Lochnair/sqm-autorate/internal/qdisc"
)

// Counter selects which interface byte counter feeds a direction's
// utilisation math, per spec.md §4.5 step 1 ("on some interface types
// (ifb*, veth*, br-lan) download traffic appears as tx").
type Counter int

const (
	RxBytes Counter = iota
	TxBytes
)

// DirectionConfig bundles the tunables of one shaped direction.
type DirectionConfig struct {
	Ifname    string
	BaseKbits float64
	MinKbits  float64
	DelayMs   float64
	Counter   Counter
}

// PeerLister is the read side of the shared peer list.
type PeerLister interface {
	Snapshot() []netip.Addr
}

// StatsRow is one row of the per-tick statistics CSV (spec.md §6.3).
type StatsRow struct {
	Time            time.Time
	RxLoad, TxLoad  float64
	DeltaDelayDown  float64
	DeltaDelayUp    float64
	DownRate, UpRate float64
}

// SpeedHistRow is one row of the periodic safe-rate dump (spec.md §6.3).
type SpeedHistRow struct {
	Time      time.Time
	Counter   int
	UpSpeed   float64
	DownSpeed float64
}

// StatsWriter and SpeedHistWriter are the external CSV-writing
// collaborators (internal/statlog implements both).
type StatsWriter interface {
	WriteStats(StatsRow) error
}
type SpeedHistWriter interface {
	WriteSpeedHist(SpeedHistRow) error
}

// Config bundles RateController's dependencies.
type Config struct {
	Logger            *slog.Logger
	Shaper            qdisc.Shaper
	Baseline          *baseline.Store
	Recent            *baseline.Store
	Peers             PeerLister
	Reselect          chan<- struct{}
	TickInterval      time.Duration
	MinChangeInterval time.Duration
	HighLoadLevel     float64
	SpeedHistSize     int
	Download          DirectionConfig
	Upload            DirectionConfig
	Stats             StatsWriter
	SpeedHist         SpeedHistWriter
	Rand              *rand.Rand
}

// RateController is the main control loop of spec.md §4.5.
type RateController struct {
	cfg Config

	download State
	upload   State

	startTime    time.Time
	lastHistDump time.Time
}

// New constructs a RateController. It does not touch the network or the
// qdisc; call Run to start the control loop (Run opens qdisc handles and
// sets the initial 60%-of-base rate before entering the tick loop, per
// spec.md §4.5's "Initial state").
func New(cfg Config) *RateController {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RateController{
		cfg:      cfg,
		download: newState(cfg.Download.BaseKbits, cfg.Download.MinKbits, cfg.SpeedHistSize, cfg.Rand),
		upload:   newState(cfg.Upload.BaseKbits, cfg.Upload.MinKbits, cfg.SpeedHistSize, cfg.Rand),
	}
}

// Run opens the qdisc handles, sets the startup rate, then ticks forever
// every min_change_interval (the "run forever or crash" model of spec.md
// §5 — a fatal error here is reported to the caller, which is expected to
// push it onto the shared error channel and terminate the process).
func (rc *RateController) Run() error {
	dlHandle, err := qdisc.Open(rc.cfg.Shaper, rc.cfg.Download.Ifname)
	if err != nil {
		return fmt.Errorf("ratecontrol: opening download qdisc: %w", err)
	}
	ulHandle, err := qdisc.Open(rc.cfg.Shaper, rc.cfg.Upload.Ifname)
	if err != nil {
		return fmt.Errorf("ratecontrol: opening upload qdisc: %w", err)
	}
	rc.download.Qdisc = dlHandle
	rc.upload.Qdisc = ulHandle

	if err := rc.cfg.Shaper.SetRate(dlHandle, uint64(rc.download.CurrentRate)); err != nil {
		return fmt.Errorf("ratecontrol: setting initial download rate: %w", err)
	}
	if err := rc.cfg.Shaper.SetRate(ulHandle, uint64(rc.upload.CurrentRate)); err != nil {
		return fmt.Errorf("ratecontrol: setting initial upload rate: %w", err)
	}
	time.Sleep(3 * time.Second)

	rc.startTime = time.Now()
	rc.lastHistDump = rc.startTime
	rc.download.PrevT = rc.startTime
	rc.upload.PrevT = rc.startTime

	if stats, err := rc.cfg.Shaper.InterfaceStats(rc.cfg.Download.Ifname); err == nil {
		rc.download.PreviousBytes = counterOf(stats, rc.cfg.Download.Counter)
		rc.download.CurrentBytes = rc.download.PreviousBytes
	}
	if stats, err := rc.cfg.Shaper.InterfaceStats(rc.cfg.Upload.Ifname); err == nil {
		rc.upload.PreviousBytes = counterOf(stats, rc.cfg.Upload.Counter)
		rc.upload.CurrentBytes = rc.upload.PreviousBytes
	}

	for {
		time.Sleep(rc.cfg.MinChangeInterval)
		rc.tick()
	}
}

func counterOf(s qdisc.Stats, c Counter) uint64 {
	if c == TxBytes {
		return s.TxBytes
	}
	return s.RxBytes
}

// tick runs one full control-loop pass per spec.md §4.5 steps 1-8.
func (rc *RateController) tick() {
	now := time.Now()

	dlStats, err := rc.cfg.Shaper.InterfaceStats(rc.cfg.Download.Ifname)
	if err != nil {
		rc.cfg.Logger.Warn("ratecontrol: reading download interface stats failed, skipping tick", "error", err)
		return
	}
	ulStats, err := rc.cfg.Shaper.InterfaceStats(rc.cfg.Upload.Ifname)
	if err != nil {
		rc.cfg.Logger.Warn("ratecontrol: reading upload interface stats failed, skipping tick", "error", err)
		return
	}
	rc.download.CurrentBytes = counterOf(dlStats, rc.cfg.Download.Counter)
	rc.upload.CurrentBytes = counterOf(ulStats, rc.cfg.Upload.Counter)

	downDeltas, upDeltas := rc.collectDeltas(now)

	downChanged := rc.applyDirection(&rc.download, downDeltas, rc.cfg.Download, now, len(downDeltas))
	upChanged := rc.applyDirection(&rc.upload, upDeltas, rc.cfg.Upload, now, len(upDeltas))

	metrics.ObserveRate("download", rc.download.CurrentRate, rc.download.NextRate, rc.download.Load)
	metrics.ObserveRate("upload", rc.upload.CurrentRate, rc.upload.NextRate, rc.upload.Load)

	if downChanged {
		if err := rc.cfg.Shaper.SetRate(rc.download.Qdisc, uint64(rc.download.CurrentRate)); err != nil {
			rc.cfg.Logger.Warn("ratecontrol: setting download qdisc rate failed", "error", err)
		}
	}
	if upChanged {
		if err := rc.cfg.Shaper.SetRate(rc.upload.Qdisc, uint64(rc.upload.CurrentRate)); err != nil {
			rc.cfg.Logger.Warn("ratecontrol: setting upload qdisc rate failed", "error", err)
		}
	}

	if downChanged || upChanged {
		rc.writeStatsRow(now)
	}

	if now.Sub(rc.lastHistDump) >= 300*time.Second {
		rc.dumpSpeedHistory(now)
		rc.lastHistDump = now
	}
}

// collectDeltas implements spec.md §4.5 step 2: for every peer fresh in
// both maps, gather per-direction OWD deltas.
func (rc *RateController) collectDeltas(now time.Time) (down, up []float64) {
	freshCutoff := now.Add(-2 * rc.cfg.TickInterval)

	for _, addr := range rc.cfg.Peers.Snapshot() {
		base, ok := rc.cfg.Baseline.Get(addr)
		if !ok {
			continue
		}
		recent, ok := rc.cfg.Recent.Get(addr)
		if !ok {
			continue
		}
		if base.LastReceiveTime.Before(freshCutoff) || recent.LastReceiveTime.Before(freshCutoff) {
			continue
		}
		down = append(down, recent.DownEWMA-base.DownEWMA)
		up = append(up, recent.UpEWMA-base.UpEWMA)
	}
	return down, up
}

// applyDirection runs spec.md §4.5 steps 3-6 for one direction's State and
// reports whether its CurrentRate changed (step 7's gate for committing to
// the qdisc and logging a stats row).
func (rc *RateController) applyDirection(s *State, deltas []float64, dc DirectionConfig, now time.Time, freshCount int) bool {
	if freshCount < 5 {
		rc.triggerReselect()
	}
	if freshCount < 3 {
		s.NextRate = s.MinRate
		return rc.commit(s, now)
	}

	sorted := append([]float64(nil), deltas...)
	sort.Float64s(sorted)
	stat := deltaStat(sorted)
	s.DeltaStat = stat

	elapsed := now.Sub(s.PrevT).Seconds()
	if elapsed > 0 {
		s.Utilisation = 8.0 / 1000.0 * float64(s.CurrentBytes-s.PreviousBytes) / elapsed
	}
	if s.CurrentRate > 0 {
		s.Load = s.Utilisation / s.CurrentRate
	}

	switch {
	case stat > 0 && stat < dc.DelayMs && s.Load > rc.cfg.HighLoadLevel:
		s.recordSafeRate(float64(int64(s.CurrentRate * s.Load)))
		headroom := 1 - s.CurrentRate/maxOf(s.SafeRates)
		if headroom < 0 {
			headroom = 0
		}
		s.NextRate = s.CurrentRate*(1+0.1*headroom) + s.BaseRate*0.03

	case stat >= dc.DelayMs:
		backoff := 0.9 * s.CurrentRate * s.Load
		if len(s.SafeRates) > 0 {
			choice := s.SafeRates[rc.cfg.Rand.Intn(len(s.SafeRates))]
			if choice < backoff {
				s.NextRate = choice
			} else {
				s.NextRate = backoff
			}
		} else {
			s.NextRate = backoff
		}

	default:
		s.NextRate = s.CurrentRate
	}

	s.NextRate = float64(int64(s.NextRate + 0.5))
	if s.NextRate < s.MinRate {
		s.NextRate = s.MinRate
	}

	return rc.commit(s, now)
}

func (rc *RateController) commit(s *State, now time.Time) bool {
	changed := s.NextRate != s.CurrentRate
	if changed {
		s.CurrentRate = s.NextRate
	}
	s.PreviousBytes = s.CurrentBytes
	s.PrevT = now
	return changed
}

// deltaStat is the robust quantile pick of spec.md §4.5 step 4 and the
// glossary's "Delta stat": third-lowest if positive, else the lowest.
func deltaStat(sorted []float64) float64 {
	if len(sorted) < 3 {
		return sorted[0]
	}
	if sorted[2] > 0 {
		return sorted[2]
	}
	return sorted[0]
}

func (rc *RateController) triggerReselect() {
	metrics.IncReselectTrigger("ratecontrol")
	select {
	case rc.cfg.Reselect <- struct{}{}:
	default:
	}
}

func (rc *RateController) writeStatsRow(now time.Time) {
	if rc.cfg.Stats == nil {
		return
	}
	row := StatsRow{
		Time:           now,
		RxLoad:         rc.download.Load,
		TxLoad:         rc.upload.Load,
		DeltaDelayDown: rc.download.DeltaStat,
		DeltaDelayUp:   rc.upload.DeltaStat,
		DownRate:       rc.download.CurrentRate,
		UpRate:         rc.upload.CurrentRate,
	}
	if err := rc.cfg.Stats.WriteStats(row); err != nil {
		rc.cfg.Logger.Warn("ratecontrol: writing stats row failed", "error", err)
	}
}

func (rc *RateController) dumpSpeedHistory(now time.Time) {
	if rc.cfg.SpeedHist == nil {
		return
	}
	n := len(rc.download.SafeRates)
	if len(rc.upload.SafeRates) < n {
		n = len(rc.upload.SafeRates)
	}
	for i := 0; i < n; i++ {
		row := SpeedHistRow{Time: now, Counter: i, UpSpeed: rc.upload.SafeRates[i], DownSpeed: rc.download.SafeRates[i]}
		if err := rc.cfg.SpeedHist.WriteSpeedHist(row); err != nil {
			rc.cfg.Logger.Warn("ratecontrol: writing speed-history row failed", "error", err)
			return
		}
	}
}
