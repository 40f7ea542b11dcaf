package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCStatus is the outcome of a single upstream RPC attempt.
type RPCStatus string

const (
	RPCStatusOk      RPCStatus = "ok"
	RPCStatusError   RPCStatus = "error"
	RPCStatusTimeout RPCStatus = "timeout"
)

// Metrics for requests issued to the remote node.
type RPCClientMetrics struct {
	// Counts of upstream request attempts, partitioned by method and status.
	requests *prometheus.CounterVec

	// Latencies of upstream request attempts.
	latencies *prometheus.HistogramVec

	// Counts of retried attempts.
	retries *prometheus.CounterVec
}

// NewDefaultRPCClientMetrics creates Prometheus metric instrumentation for
// the upstream RPC client.
func NewDefaultRPCClientMetrics(pkg string) RPCClientMetrics {
	return RPCClientMetrics{
		requests: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_upstream_requests", pkg),
				Help: "How many requests were sent to the remote node, partitioned by method and status.",
			},
			[]string{"method", "status"}, // Labels.
		)),
		latencies: registerOnce(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("%s_upstream_request_latencies", pkg),
				Help: "How long requests to the remote node take, partitioned by method.",
			},
			[]string{"method"}, // Labels.
		)),
		retries: registerOnce(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_upstream_retries", pkg),
				Help: "How many requests to the remote node were retried, partitioned by method.",
			},
			[]string{"method"}, // Labels.
		)),
	}
}

// Requests returns the counter for the given method and status.
func (m *RPCClientMetrics) Requests(method string, status RPCStatus) prometheus.Counter {
	return m.requests.WithLabelValues(method, string(status))
}

// Latencies returns a new latency timer for the given method.
func (m *RPCClientMetrics) Latencies(method string) *prometheus.Timer {
	return prometheus.NewTimer(m.latencies.WithLabelValues(method))
}

// Retries returns the retry counter for the given method.
func (m *RPCClientMetrics) Retries(method string) prometheus.Counter {
	return m.retries.WithLabelValues(method)
}
