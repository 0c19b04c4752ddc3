// Package metrics provides Prometheus metrics for detbridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GraphRuns counts graph executions per graph name.
	GraphRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detbridge",
			Name:      "graph_runs_total",
			Help:      "Total number of graph executions",
		},
		[]string{"graph"},
	)

	// GraphFaults counts recoverable runtime faults caught during execution.
	GraphFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detbridge",
			Name:      "graph_faults_total",
			Help:      "Recoverable runtime faults caught during graph execution",
		},
		[]string{"graph"},
	)

	// PartialOutputs counts runs that returned at least one missing output.
	PartialOutputs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "detbridge",
			Name:      "partial_outputs_total",
			Help:      "Runs that returned incomplete output after a fault",
		},
		[]string{"graph"},
	)

	// InferenceLatency tracks end-to-end forward latency.
	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "detbridge",
			Name:      "inference_latency_seconds",
			Help:      "Latency of a full detection forward pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DetectionsReturned tracks detections per image after conversion.
	DetectionsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "detbridge",
			Name:      "detections_returned",
			Help:      "Number of detections returned per image",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	// PolicyDropped counts detections removed by the filter policy.
	PolicyDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "detbridge",
			Name:      "policy_dropped_total",
			Help:      "Detections dropped by the filter policy",
		},
	)
)
