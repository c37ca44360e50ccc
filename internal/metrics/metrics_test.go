package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.Observe(context.Background(), core.OpDecode, true, 10*time.Millisecond)
	r.Observe(context.Background(), core.OpDecode, false, time.Millisecond)
	r.ObserveValidation("where_rule", sdai.Unknown, false, time.Millisecond)
	r.CacheRetry()
	r.CacheRetry()
	r.Decoded(25)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues(core.OpDecode, "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues(core.OpDecode, "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ValidationResults.WithLabelValues("where_rule", "UNKNOWN", "false")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.CacheRetries))
	assert.Equal(t, 25.0, testutil.ToFloat64(r.DecodedInstances))
	assert.Equal(t, 1, testutil.CollectAndCount(r.ValidationDuration))

	_, err = NewRecorder(reg)
	require.Error(t, err, "registering twice collides")
}

func TestRecorderUnregistered(t *testing.T) {
	r, err := NewRecorder(nil)
	require.NoError(t, err)
	r.Decoded(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.DecodedInstances))
}

func TestSessionReportsCommits(t *testing.T) {
	r, err := NewRecorder(nil)
	require.NoError(t, err)
	s, err := core.OpenSession(core.WithMetrics(r))
	require.NoError(t, err)
	tx, err := s.StartTransactionReadWriteAccess()
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues(core.OpCommit, "true")))
}
