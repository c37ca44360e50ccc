package core

import (
	"context"
	"time"

	"stepcore/pkg/sdai"
)

// MetricsRecorder receives timing and outcome observations from the engine.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	ObserveValidation(check string, result sdai.Logical, complete bool, duration time.Duration)
	CacheRetry()
	Decoded(instances int)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration)          {}
func (noopMetrics) ObserveValidation(string, sdai.Logical, bool, time.Duration) {}
func (noopMetrics) CacheRetry()                                                 {}
func (noopMetrics) Decoded(int)                                                 {}

// Operation names passed to MetricsRecorder.Observe.
const (
	OpCommit        = "transaction_commit"
	OpAbort         = "transaction_abort"
	OpDecode        = "p21_decode"
	OpLoadSnapshot  = "repository_load"
	OpSaveSnapshot  = "repository_save"
	OpUsedinWarm    = "usedin_warm"
	OpValidateWhole = "validate_schema_instance"
)
