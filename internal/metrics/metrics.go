// Package metrics records merge statistics in a Prometheus registry that can be exported as a
// node_exporter textfile once the process finishes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns a registry and the merge metrics registered in it.
type Recorder struct {
	reg *prometheus.Registry

	AdaptersMerged  prometheus.Counter
	TargetsMerged   *prometheus.CounterVec
	IgnoredKeys     prometheus.Counter
	MergeErrors     *prometheus.CounterVec
	AdapterDuration prometheus.Histogram
	TensorsWritten  prometheus.Counter
	BytesWritten    prometheus.Counter
	SaveDuration    prometheus.Histogram
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		AdaptersMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "loramerge_adapters_merged_total",
			Help: "Adapters whose deltas were applied",
		}),
		TargetsMerged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loramerge_targets_merged_total",
			Help: "Base tensors updated, by dtype",
		}, []string{"dtype"}),
		IgnoredKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "loramerge_ignored_keys_total",
			Help: "Adapter keys with no recognized suffix",
		}),
		MergeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loramerge_errors_total",
			Help: "Merge failures, by error kind",
		}, []string{"kind"}),
		AdapterDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loramerge_adapter_duration_seconds",
			Help:    "Time to load, resolve and apply one adapter",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		TensorsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "loramerge_tensors_written_total",
			Help: "Tensors written to the merged checkpoint",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "loramerge_bytes_written_total",
			Help: "Tensor data bytes written to the merged checkpoint",
		}),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loramerge_save_duration_seconds",
			Help:    "Time to write the merged checkpoint",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// RecordAdapter records one applied adapter.
func (r *Recorder) RecordAdapter(d time.Duration, ignored int) {
	r.AdaptersMerged.Inc()
	r.AdapterDuration.Observe(d.Seconds())
	r.IgnoredKeys.Add(float64(ignored))
}

// RecordTarget records one updated base tensor.
func (r *Recorder) RecordTarget(dtype string) {
	r.TargetsMerged.WithLabelValues(dtype).Inc()
}

// RecordError records a failure of the given kind.
func (r *Recorder) RecordError(kind string) {
	r.MergeErrors.WithLabelValues(kind).Inc()
}

// RecordSave records a completed checkpoint write.
func (r *Recorder) RecordSave(d time.Duration, tensors int, bytes int64) {
	r.SaveDuration.Observe(d.Seconds())
	r.TensorsWritten.Add(float64(tensors))
	r.BytesWritten.Add(float64(bytes))
}

// WriteTextfile writes every metric in Prometheus text format to path.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
