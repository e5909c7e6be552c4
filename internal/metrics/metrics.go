package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsEndpoint = "0.0.0.0:9090"
)

var (
	JobsReceivedCounter *prometheus.CounterVec

	NodeRequestCounter        *prometheus.CounterVec
	NodeRequestRunTimeSummary *prometheus.SummaryVec

	AdapterCallCounter        *prometheus.CounterVec
	AdapterCallRunTimeSummary *prometheus.SummaryVec

	EventsPublishedCounter *prometheus.CounterVec

	QueueDepth prometheus.Gauge

	NodePingReplies prometheus.Gauge

	StoreQueryErrorCount *prometheus.CounterVec
)

func init() {
	JobsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_jobs_received",
			Help: "A counter metric to measure the total count of jobs received from the request queue",
		},
		[]string{"kind", "response"}, // response is ack/nak
	)

	NodeRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_node_requests_processed",
			Help: "A counter metric to measure the total count of node requests processed, successful and failed",
		},
		[]string{"action", "state"},
	)

	NodeRequestRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "provisioner_node_request_duration_seconds",
			Help: "A summary metric to measure the total time spent in processing each node request",
		},
		[]string{"action", "state"},
	)

	AdapterCallCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_adapter_calls",
			Help: "A counter metric to measure the total count of resource adapter start/stop calls",
		},
		[]string{"adapter", "call", "state"},
	)

	AdapterCallRunTimeSummary = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "provisioner_adapter_call_duration_seconds",
			Help: "A summary metric to measure the total time spent in resource adapter start/stop calls",
		},
		[]string{"adapter", "call", "state"},
	)

	EventsPublishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_events_published",
			Help: "A counter metric to measure the total count of lifecycle events published, and dropped",
		},
		[]string{"event", "result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_queue_depth",
			Help: "A gauge metric for the number of jobs waiting in the in-process request queue",
		},
	)

	NodePingReplies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_node_ping_replies",
			Help: "A gauge metric for the number of nodes that replied to the last node ping",
		},
	)

	StoreQueryErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_query_error_count",
			Help: "A counter metric to measure the total count of errors querying the node request store.",
		},
		[]string{"storeKind"},
	)
}

// ObserveNodeRequest records the outcome of a processed node request.
func ObserveNodeRequest(action, state string, started time.Time) {
	NodeRequestCounter.WithLabelValues(action, state).Inc()
	NodeRequestRunTimeSummary.WithLabelValues(action, state).Observe(time.Since(started).Seconds())
}

// ObserveAdapterCall records the outcome of a resource adapter call.
func ObserveAdapterCall(adapter, call string, err error, started time.Time) {
	state := "succeeded"
	if err != nil {
		state = "failed"
	}

	AdapterCallCounter.WithLabelValues(adapter, call, state).Inc()
	AdapterCallRunTimeSummary.WithLabelValues(adapter, call, state).Observe(time.Since(started).Seconds())
}

// ListenAndServeMetrics exposes prometheus metrics as /metrics
func ListenAndServe() {
	go func() {
		http.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              MetricsEndpoint,
			ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
		}

		if err := server.ListenAndServe(); err != nil {
			log.Println(err)
		}
	}()
}
