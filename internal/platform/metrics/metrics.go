// Package metrics holds the prometheus instruments for both services
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cspipe"

// NewRegistry returns a registry preloaded with process and runtime collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler exposes a registry over HTTP for scraping
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Ingest holds the collector-side counters
type Ingest struct {
	Accepted  prometheus.Counter
	Malformed prometheus.Counter
	Rejected  prometheus.Counter
	Published prometheus.Counter
	Retries   prometheus.Counter
	Dropped   prometheus.Counter
	Spilled   prometheus.Counter
}

// NewIngest registers the collector counters on reg
func NewIngest(reg prometheus.Registerer) *Ingest {
	factory := promauto.With(reg)
	return &Ingest{
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reports_accepted_total",
			Help:      "Reports parsed into at least one violation",
		}),
		Malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reports_malformed_total",
			Help:      "Submissions discarded because no violation could be extracted",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reports_rejected_total",
			Help:      "Requests whose body could not be read, oversized included",
		}),
		Published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "violations_published_total",
			Help:      "Violations handed to the broker",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "publish_retries_total",
			Help:      "Publish attempts after the first for one violation",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "violations_dropped_total",
			Help:      "Violations shed because the publish queue was full",
		}),
		Spilled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "violations_spilled_total",
			Help:      "Violations written to the local spill file instead of the broker",
		}),
	}
}

// Pipeline holds the processor-side instruments
type Pipeline struct {
	Deduplicated  prometheus.Counter
	Stored        prometheus.Counter
	Flushes       prometheus.Counter
	FlushFailures prometheus.Counter
	CacheErrors   prometheus.Counter
	Restarts      prometheus.Counter
	Lag           *prometheus.GaugeVec
}

// NewPipeline registers the processor instruments on reg
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		Deduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "violations_deduplicated_total",
			Help:      "Violations suppressed by the dedup cache",
		}),
		Stored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "violations_stored_total",
			Help:      "Violations written to the analytical store",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "flushes_total",
			Help:      "Batches flushed to the analytical store",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "flush_failures_total",
			Help:      "Flush attempts that returned an error",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cache_errors_total",
			Help:      "Dedup cache lookups that failed open",
		}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "worker_restarts_total",
			Help:      "Partition workers restarted after a fatal error",
		}),
		Lag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "partition_lag",
			Help:      "Records between the committed checkpoint and the partition end",
		}, []string{"partition"}),
	}
}
