package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokensDecoded atomic.Int64

var (
	PrefillDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ssm_prefill_duration_seconds",
		Help:    "Duration of chunked-scan prefill calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "ssm_step_duration_seconds",
		Help: "Duration of single-token decode steps",
	})

	TokensDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssm_tokens_decoded_total",
		Help: "Total number of tokens decoded through the stepwise path",
	})

	ScanChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssm_scan_chunks_total",
		Help: "Total number of scan chunks processed",
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ssm_sequence_length_tokens",
		Help:    "Distribution of prefill sequence lengths",
		Buckets: []float64{8, 32, 128, 512, 2048, 8192, 32768},
	})

	StateCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssm_state_cache_entries",
		Help: "Live per-layer recurrent state entries",
	})

	StateCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssm_state_cache_bytes",
		Help: "Bytes held by conv and SSM state buffers",
	})

	StateCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssm_state_cache_resets_total",
		Help: "Total number of session state resets",
	})

	CollectiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_collective_ops_total",
		Help: "Collective operations executed, by kind",
	}, []string{"op"})

	CollectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_collective_bytes_total",
		Help: "Bytes moved through collectives, by kind",
	}, []string{"op"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in audited activations",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_validation_errors_total",
		Help: "Total number of usage/configuration errors raised",
	}, []string{"operation", "error_type"})

	CheckpointBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_checkpoint_bytes_total",
		Help: "Bytes written or read by checkpoint I/O",
	}, []string{"direction"})

	CheckpointTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ssm_checkpoint_tensors_total",
		Help: "Tensors written or read by checkpoint I/O",
	}, []string{"direction"})
)

// RecordDecodedTokens bumps both the Prometheus counter and the local
// atomic used by benchmark summaries.
func RecordDecodedTokens(n int) {
	TokensDecodedTotal.Add(float64(n))
	tokensDecoded.Add(int64(n))
}

// DecodedTokens returns the process-local decoded-token count.
func DecodedTokens() int64 {
	return tokensDecoded.Load()
}

// RecordCollective records one collective op moving n float32 elements.
func RecordCollective(op string, elems int) {
	CollectiveOps.WithLabelValues(op).Inc()
	CollectiveBytes.WithLabelValues(op).Add(float64(elems * 4))
}

// RecordInstability records NaN/Inf counts detected in a named tensor.
func RecordInstability(tensor string, nans, infs int) {
	if nans > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infs))
	}
}
