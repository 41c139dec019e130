package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_events_consumed_total",
		Help: "Total records pulled from the broker (including replays and rejects).",
	})

	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_events_skipped_total",
		Help: "Total records skipped because their offset was at or below the committed watermark.",
	})

	EventsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_events_invalid_total",
		Help: "Total records routed to the dead-letter sink, labelled by reason class.",
	}, []string{"reason"})

	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_batches_committed_total",
		Help: "Total micro-batches committed to the table, labelled by event type.",
	}, []string{"event_type"})

	RowsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_rows_committed_total",
		Help: "Total rows durably committed to the table.",
	})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_commit_retries_total",
		Help: "Total commit attempts that failed and were retried.",
	})

	SchemaFieldsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_schema_fields_added_total",
		Help: "Total fields auto-registered through additive schema evolution, labelled by event type.",
	}, []string{"event_type"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "silt_commit_duration_seconds",
		Help:    "Wall time of a successful table commit.",
		Buckets: prometheus.DefBuckets,
	})

	Watermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "silt_watermark_offset",
		Help: "Highest durably committed broker offset, labelled by broker partition.",
	}, []string{"partition"})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
