package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const namespace = "facetrack"

const SampleInterval = 500 * time.Millisecond

// Monitor owns the metrics registry. It satisfies pipeline.Metrics.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process
	log      *zap.Logger

	memUsage  prometheus.Gauge
	cpuUsage  prometheus.Gauge
	requests  *prometheus.CounterVec
	tick      *prometheus.HistogramVec
	inference *prometheus.HistogramVec
	faults    *prometheus.CounterVec
	state     *prometheus.GaugeVec
}

func New(log *zap.Logger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		proc:     proc,
		log:      log,
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_megabytes",
			Help:      "Resident memory in megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_usage_percent",
			Help:      "CPU usage in percent",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Control requests by surface and method",
		}, []string{"surface", "method"}),
		tick: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_tick_seconds",
			Help:      "Duration of ticks that produced output",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"pipeline"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Model run latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"pipeline"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_faults_total",
			Help:      "Pipeline faults",
		}, []string{"pipeline"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "0 uninitialized, 1 ready, 2 running, 3 faulted",
		}, []string{"pipeline"}),
	}
	m.registry.MustRegister(m.memUsage, m.cpuUsage, m.requests, m.tick, m.inference, m.faults, m.state)
	return m, nil
}

func (m *Monitor) ObserveTick(pipeline string, d time.Duration) {
	m.tick.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Monitor) ObserveInference(pipeline string, d time.Duration) {
	m.inference.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Monitor) IncFault(pipeline string) {
	m.faults.WithLabelValues(pipeline).Inc()
}

func (m *Monitor) SetState(pipeline string, state int) {
	m.state.WithLabelValues(pipeline).Set(float64(state))
}

// IncRequest counts one control request, e.g. IncRequest("grpc", "Status").
func (m *Monitor) IncRequest(surface, method string) {
	m.requests.WithLabelValues(surface, method).Inc()
}

// CounterFunc exposes a monotonically increasing value read at scrape time.
func (m *Monitor) CounterFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// CheckProcessInfo samples this process's memory and CPU.
func (m *Monitor) CheckProcessInfo() {
	if memInfo, err := m.proc.MemoryInfo(); err == nil && memInfo != nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples the process until ctx is done.
func (m *Monitor) StartMon(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	m.log.Info("metrics server listening", zap.Int("port", port))

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("metrics server shutdown", zap.Error(err))
	}
}
