// Package metrics exposes the engine's internal counters and gauges on
// an HTTP /metrics endpoint via github.com/prometheus/client_golang —
// a dependency the teacher's go.mod already carried but no file in its
// tree exercised. This engine gives it the job SPEC_FULL.md's DOMAIN
// STACK section assigns it: reader bitrate (C8), dispatch packet
// counts (C7), section CRC-error counts (C5), cache writeback latency
// (C4), and retune count (C10).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this engine exports, constructed once at
// startup and passed by reference to the components that update it.
type Registry struct {
	reg *prometheus.Registry

	ReaderTotalPackets prometheus.Counter
	ReaderBitrate       prometheus.Gauge

	DispatchPacketsTotal *prometheus.CounterVec // labeled by group name

	SectionCRCErrorsTotal *prometheus.CounterVec // labeled by pid

	WritebackDuration prometheus.Histogram

	RetuneTotal       prometheus.Counter
	RetuneFailedTotal prometheus.Counter
}

// New creates a Registry with every metric registered against a fresh
// prometheus.Registry (not the global DefaultRegisterer, so multiple
// engine instances in one process — as the test suite constructs —
// never collide on metric names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ReaderTotalPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsengine_reader_packets_total",
			Help: "Total TS packets read from the DVR source.",
		}),
		ReaderBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tsengine_reader_bitrate_bps",
			Help: "Sliding 1s-window bitrate estimate, bits per second.",
		}),
		DispatchPacketsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsengine_dispatch_packets_total",
			Help: "Packets delivered to a filter group, by group name.",
		}, []string{"group"}),
		SectionCRCErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsengine_section_crc_errors_total",
			Help: "Sections dropped for failing CRC-32 validation, by PID.",
		}, []string{"pid"}),
		WritebackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tsengine_cache_writeback_seconds",
			Help:    "Cache-to-store writeback latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RetuneTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsengine_retune_total",
			Help: "Full retune sequences attempted by the tuning controller.",
		}),
		RetuneFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsengine_retune_failed_total",
			Help: "Retune sequences that did not reach front-end lock.",
		}),
	}
}

// Handler returns the http.Handler serving this registry's metrics in
// the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
