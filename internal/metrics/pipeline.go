// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_transitions_total",
		Help: "Item status transitions by from/to status",
	}, []string{"from", "to"})

	invalidTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_invalid_transitions_total",
		Help: "Rejected item status transitions by from/to status",
	}, []string{"from", "to"})

	itemsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipearr_items",
		Help: "Current number of items per status",
	}, []string{"status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_errors_total",
		Help: "Handled pipeline errors by kind and service",
	}, []string{"kind", "service"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_retries_total",
		Help: "Retry decisions by error kind",
	}, []string{"kind"})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipearr_retries_exhausted_total",
		Help: "Items failed after exhausting their retry budget",
	})

	// Worker metrics
	workerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_worker_runs_total",
		Help: "Worker tick executions by worker and outcome",
	}, []string{"worker", "outcome"}) // outcome=success|failure

	workerItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_worker_items_total",
		Help: "Items processed per worker by outcome",
	}, []string{"worker", "outcome"}) // outcome=success|failure|skipped

	workerDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipearr_worker_duration_seconds",
		Help:    "Worker tick duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})

	schedulerSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_scheduler_skips_total",
		Help: "Scheduler ticks skipped because the previous run was still active",
	}, []string{"task"})

	schedulerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_scheduler_panics_total",
		Help: "Recovered panics per scheduler task",
	}, []string{"task"})

	// Delivery metrics
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_deliveries_total",
		Help: "File deliveries per server by outcome",
	}, []string{"server", "outcome"}) // outcome=success|failure

	deliveredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_delivered_bytes_total",
		Help: "Bytes delivered per server",
	}, []string{"server"})

	// Adapter metrics
	indexerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_indexer_requests_total",
		Help: "Indexer search requests by outcome",
	}, []string{"outcome"}) // outcome=success|error|cache_hit

	adapterRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipearr_adapter_requests_total",
		Help: "Adapter HTTP requests by service and outcome",
	}, []string{"service", "outcome"}) // service=torrent|encoder|delivery
)

func RecordTransition(from, to string)        { transitionsTotal.WithLabelValues(from, to).Inc() }
func RecordInvalidTransition(from, to string) { invalidTransitionsTotal.WithLabelValues(from, to).Inc() }

func SetItemCount(status string, n int) { itemsByStatus.WithLabelValues(status).Set(float64(n)) }

func RecordError(kind, service string) { errorsTotal.WithLabelValues(kind, service).Inc() }
func RecordRetry(kind string)          { retriesTotal.WithLabelValues(kind).Inc() }
func RecordRetriesExhausted()          { exhaustedTotal.Inc() }

func RecordWorkerRun(worker, outcome string) {
	workerRunsTotal.WithLabelValues(worker, outcome).Inc()
}

func RecordWorkerItem(worker, outcome string) {
	workerItemsTotal.WithLabelValues(worker, outcome).Inc()
}

func ObserveWorkerDuration(worker string, seconds float64) {
	workerDurationSeconds.WithLabelValues(worker).Observe(seconds)
}

func RecordSchedulerSkip(task string)  { schedulerSkipsTotal.WithLabelValues(task).Inc() }
func RecordSchedulerPanic(task string) { schedulerPanicsTotal.WithLabelValues(task).Inc() }

func RecordDelivery(server, outcome string) {
	deliveriesTotal.WithLabelValues(server, outcome).Inc()
}

func AddDeliveredBytes(server string, n int64) {
	deliveredBytesTotal.WithLabelValues(server).Add(float64(n))
}

func RecordIndexerRequest(outcome string) { indexerRequestsTotal.WithLabelValues(outcome).Inc() }

func RecordAdapterRequest(service, outcome string) {
	adapterRequestsTotal.WithLabelValues(service, outcome).Inc()
}
