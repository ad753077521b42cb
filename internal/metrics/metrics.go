// Package metrics exposes the controller's runtime state as Prometheus
// gauges and counters, in the promauto style used throughout the teacher
// corpus (e.g. liveness/metrics.go, latency/metrics.go).
package metrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelReflector = "reflector"
	LabelDirection = "direction"
)

var (
	reflectorOWDBaseline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorate_reflector_owd_baseline_ms",
			Help: "Per-reflector slow (baseline) one-way-delay EWMA, in milliseconds.",
		},
		[]string{LabelReflector, LabelDirection},
	)

	reflectorOWDRecent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorate_reflector_owd_recent_ms",
			Help: "Per-reflector fast (recent) one-way-delay EWMA, in milliseconds.",
		},
		[]string{LabelReflector, LabelDirection},
	)

	currentRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorate_shaper_current_rate_kbit",
			Help: "Currently-applied shaper rate, in kbit/s.",
		},
		[]string{LabelDirection},
	)

	nextRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorate_shaper_next_rate_kbit",
			Help: "Most recently proposed shaper rate, in kbit/s.",
		},
		[]string{LabelDirection},
	)

	load = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autorate_load_ratio",
			Help: "Measured utilisation as a fraction of the current shaper rate.",
		},
		[]string{LabelDirection},
	)

	peerSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autorate_peer_set_size",
			Help: "Current number of reflectors in the active peer set.",
		},
	)

	reselectTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorate_reselect_triggers_total",
			Help: "Count of reselection triggers by source.",
		},
		[]string{"source"},
	)

	reselectCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autorate_reselect_cycles_total",
			Help: "Count of completed reflector-selector cycles.",
		},
	)

	samplesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autorate_samples_accepted_total",
			Help: "Count of probe replies accepted by the listener and forwarded to the baseliner.",
		},
	)

	samplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorate_samples_dropped_total",
			Help: "Count of probe replies dropped by the listener, by reason.",
		},
		[]string{"reason"},
	)
)

// ObserveBaseline records a reflector's current baseline/recent EWMAs.
func ObserveBaseline(reflector netip.Addr, downBaseline, upBaseline, downRecent, upRecent float64) {
	label := reflector.String()
	reflectorOWDBaseline.WithLabelValues(label, "down").Set(downBaseline)
	reflectorOWDBaseline.WithLabelValues(label, "up").Set(upBaseline)
	reflectorOWDRecent.WithLabelValues(label, "down").Set(downRecent)
	reflectorOWDRecent.WithLabelValues(label, "up").Set(upRecent)
}

// ObserveRate records a direction's current/next shaper rate and load.
func ObserveRate(direction string, current, next, loadRatio float64) {
	currentRate.WithLabelValues(direction).Set(current)
	nextRate.WithLabelValues(direction).Set(next)
	load.WithLabelValues(direction).Set(loadRatio)
}

// ObservePeerSetSize records the active peer-set size.
func ObservePeerSetSize(n int) {
	peerSetSize.Set(float64(n))
}

// IncReselectTrigger counts one reselection trigger from source ("baseline"
// or "ratecontrol").
func IncReselectTrigger(source string) {
	reselectTriggers.WithLabelValues(source).Inc()
}

// IncReselectCycle counts one completed selector cycle.
func IncReselectCycle() {
	reselectCycles.Inc()
}

// IncSampleAccepted counts one accepted probe reply.
func IncSampleAccepted() {
	samplesAccepted.Inc()
}

// IncSampleDropped counts one dropped probe reply, by reason.
func IncSampleDropped(reason string) {
	samplesDropped.WithLabelValues(reason).Inc()
}
