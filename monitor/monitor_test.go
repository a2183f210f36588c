package monitor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitor_PipelineMetrics(t *testing.T) {
	m, err := New(zap.NewNop())
	require.NoError(t, err)

	m.IncFault("face")
	m.IncFault("face")
	m.SetState("eye", 2)
	m.ObserveInference("eye", 3*time.Millisecond)
	m.ObserveTick("eye", 4*time.Millisecond)
	m.IncRequest("http", "status")

	families := gather(t, m)
	assert.Equal(t, 2.0, families["facetrack_pipeline_faults_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2.0, families["facetrack_pipeline_state"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, families["facetrack_requests_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, uint64(1), families["facetrack_inference_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func gather(t *testing.T, m *Monitor) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMonitor_Handler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	var sent float64 = 7
	require.NoError(t, m.CounterFunc("dispatch_sent_total", "Updates delivered", func() float64 { return sent }))
	assert.Error(t, m.CounterFunc("dispatch_sent_total", "dup", func() float64 { return 0 }))

	m.CheckProcessInfo()
	m.IncFault("eye")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `facetrack_pipeline_faults_total{pipeline="eye"} 1`)
	assert.Contains(t, string(body), "facetrack_dispatch_sent_total 7")
	assert.Contains(t, string(body), "facetrack_memory_usage_megabytes")
}
