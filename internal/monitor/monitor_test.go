package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorRecordsRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	m, err := New(dir, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, m.RunID)

	m.Batch()
	m.Batch()
	m.Epoch(0.5, 1200*time.Millisecond)
	m.Validation(map[string]float64{"ndcg@10": 0.25})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.epochs))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.loss))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.validation.WithLabelValues("ndcg@10")))

	time.Sleep(20 * time.Millisecond)
	runTime, err := m.Stop()
	require.NoError(t, err)
	assert.Greater(t, runTime, time.Duration(0))

	contents, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "ngcf_epochs_total")
	assert.Contains(t, string(contents), `metric="ndcg@10"`)
	assert.Contains(t, string(contents), m.RunID)

	// stopping twice is harmless
	_, err = m.Stop()
	assert.NoError(t, err)
}

func TestMonitorWithoutSampling(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Greater(t, testutil.ToFloat64(m.heapBytes), 0.0)
	_, err = m.Stop()
	assert.NoError(t, err)
}
