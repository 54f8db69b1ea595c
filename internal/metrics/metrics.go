// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "obd2relay"

// Metrics groups every collector the process exports.
type Metrics struct {
	PollCycles       prometheus.Counter
	FetchErrors      prometheus.Counter
	ParseFailures    *prometheus.CounterVec
	SamplesRejected  prometheus.Counter
	StoreSize        prometheus.Gauge
	AdapterState     *prometheus.GaugeVec
	RelayAttempts    *prometheus.CounterVec
	RelayLastValue   prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	WSClients        prometheus.Gauge
	MQTTPublishFails prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of completed adapter poll cycles.",
		}),
		FetchErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_fetch_errors_total",
			Help:      "Total number of failed batched adapter fetches.",
		}),
		ParseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_parse_failures_total",
			Help:      "Adapter responses that could not be parsed, by field.",
		}, []string{"field"}),
		SamplesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples dropped because they were older than the newest stored sample.",
		}),
		StoreSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_samples",
			Help:      "Number of samples currently held in memory.",
		}),
		AdapterState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_state",
			Help:      "1 for the poller's current state, 0 otherwise.",
		}, []string{"state"}),
		RelayAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Upstream relay fetch attempts by outcome.",
		}, []string{"outcome"}),
		RelayLastValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_last_value_liters",
			Help:      "Last tank level received from the upstream controller.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket stream clients.",
		}),
		MQTTPublishFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publish_failures_total",
			Help:      "MQTT publishes that failed or timed out.",
		}),
	}
}

// Outcome labels for RelayAttempts.
const (
	RelayOK        = "ok"
	RelaySkipped   = "skipped"
	RelayHTTPError = "http_error"
	RelayBadBody   = "bad_payload"
)
