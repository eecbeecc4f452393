// Package metrics 汇总引擎运行指标，通过 /metrics 暴露给 prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	afsentry "github.com/astrafetch/astrafetch-go/src/pkg/sentry"
)

const namespace = "astrafetch"

var (
	EntriesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_created_total",
		Help:      "Entries created, by media type.",
	}, []string{"type"})

	EntriesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_evicted_total",
		Help:      "Entries dropped by capacity eviction.",
	})

	StoreSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_entries",
		Help:      "Current number of entries.",
	})

	SamplesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_recorded_total",
		Help:      "Timing samples recorded, by media type.",
	}, []string{"type"})

	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Entry status transitions, by target status.",
	}, []string{"status"})

	PlaylistFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playlist_fetches_total",
		Help:      "Playlist retrievals, by result.",
	}, []string{"result"})

	ProbeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_results_total",
		Help:      "Quality probe outcomes.",
	}, []string{"status"})

	SegmentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_bytes_total",
		Help:      "Bytes retrieved by segment downloads.",
	})

	HookPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_panics_total",
		Help:      "Recovered panics in observation hooks and background tasks.",
	}, []string{"where"})
)

func init() {
	prometheus.MustRegister(
		EntriesCreated,
		EntriesEvicted,
		StoreSize,
		SamplesRecorded,
		StatusTransitions,
		PlaylistFetches,
		ProbeResults,
		SegmentBytes,
		HookPanics,
	)
	afsentry.OnPanic(func(where string) {
		HookPanics.WithLabelValues(where).Inc()
	})
}

// Handler /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ProbeLabel HTTP <code> 统一归为 "http" 以控制 label 基数
func ProbeLabel(status string) string {
	switch status {
	case "ok", "blocked":
		return status
	}
	return "http"
}
