// Package metrics holds the prometheus collectors for serverhub.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serverhub",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of server process starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serverhub",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops, labelled graceful or killed.",
		}, []string{"name", "how"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serverhub",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "serverhub",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of server processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	syncWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serverhub",
			Subsystem: "sync",
			Name:      "platform_results_total",
			Help:      "Per-platform sync outcomes (written, unchanged, skipped, failed).",
		}, []string{"platform", "result"},
	)
	orphanEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "serverhub",
			Subsystem: "sync",
			Name:      "orphan_entries",
			Help:      "Platform config entries with no enabled registry record.",
		}, []string{"platform"},
	)
	removals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serverhub",
			Subsystem: "removal",
			Name:      "operations_total",
			Help:      "Removal operations by kind and outcome.",
		}, []string{"operation", "outcome"},
	)
)

var allStates = []string{"STOPPED", "STARTING", "RUNNING", "STOPPING", "ERROR"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processStops, stateTransitions, currentStates, syncWrites, orphanEntries, removals}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string, killed bool) {
	if regOK.Load() {
		how := "graceful"
		if killed {
			how = "killed"
		}
		processStops.WithLabelValues(name, how).Inc()
	}
}

// RecordStateTransition counts the transition and moves the one-hot state gauge.
func RecordStateTransition(name, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	SetState(name, to)
}

// SetState moves the one-hot state gauge without counting a transition.
func SetState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func IncSyncResult(platform, result string) {
	if regOK.Load() {
		syncWrites.WithLabelValues(platform, result).Inc()
	}
}

func SetOrphans(platform string, n int) {
	if regOK.Load() {
		orphanEntries.WithLabelValues(platform).Set(float64(n))
	}
}

func IncRemoval(operation, outcome string) {
	if regOK.Load() {
		removals.WithLabelValues(operation, outcome).Inc()
	}
}
