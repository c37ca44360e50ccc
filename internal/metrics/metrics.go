// Package metrics exposes engine observations as Prometheus collectors.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

// Recorder implements core.MetricsRecorder over a set of collectors.
type Recorder struct {
	OperationDuration  *prometheus.HistogramVec
	OperationsTotal    *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	ValidationResults  *prometheus.CounterVec
	CacheRetries       prometheus.Counter
	DecodedInstances   prometheus.Counter
}

var _ core.MetricsRecorder = (*Recorder)(nil)

// NewRecorder builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepcore_operation_duration_seconds",
				Help:    "Engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepcore_operations_total",
				Help: "Engine operations by outcome",
			},
			[]string{"operation", "success"},
		),
		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepcore_validation_duration_seconds",
				Help:    "Validation check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"check"},
		),
		ValidationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepcore_validation_results_total",
				Help: "Validation outcomes by check and result",
			},
			[]string{"check", "result", "complete"},
		),
		CacheRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepcore_cache_update_retries_total",
			Help: "Contended function cache updates that were retried",
		}),
		DecodedInstances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepcore_decoded_instances_total",
			Help: "Entity instances produced by exchange-file decoding",
		}),
	}
	if reg == nil {
		return r, nil
	}
	for _, c := range r.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.OperationDuration, r.OperationsTotal,
		r.ValidationDuration, r.ValidationResults,
		r.CacheRetries, r.DecodedInstances,
	}
}

// Observe implements core.MetricsRecorder.
func (r *Recorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	r.OperationsTotal.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

// ObserveValidation implements core.MetricsRecorder.
func (r *Recorder) ObserveValidation(check string, result sdai.Logical, complete bool, duration time.Duration) {
	r.ValidationDuration.WithLabelValues(check).Observe(duration.Seconds())
	r.ValidationResults.WithLabelValues(check, result.String(), strconv.FormatBool(complete)).Inc()
}

// CacheRetry implements core.MetricsRecorder.
func (r *Recorder) CacheRetry() { r.CacheRetries.Inc() }

// Decoded implements core.MetricsRecorder.
func (r *Recorder) Decoded(instances int) { r.DecodedInstances.Add(float64(instances)) }
