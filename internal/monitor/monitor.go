package monitor

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// MetricsFile is the textfile written under the log directory on Stop
const MetricsFile = "metrics.prom"

// Monitor tracks one training run: epoch progress, losses, validation
// metrics and memory use. Samples live in a private prometheus registry that
// is dumped in text format when the run stops.
type Monitor struct {
	RunID  string
	LogDir string

	registry   *prometheus.Registry
	epochs     prometheus.Counter
	batches    prometheus.Counter
	loss       prometheus.Gauge
	epochTime  prometheus.Histogram
	validation *prometheus.GaugeVec
	heapBytes  prometheus.Gauge

	start   time.Time
	delay   time.Duration
	done    chan struct{}
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// New starts a monitor writing into logDir. Memory is sampled every delay;
// a zero delay disables sampling.
func New(logDir string, delay time.Duration) (*Monitor, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log dir %s", logDir)
	}

	labels := prometheus.Labels{"run_id": uuid.NewString()}
	m := &Monitor{
		RunID:    labels["run_id"],
		LogDir:   logDir,
		registry: prometheus.NewRegistry(),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ngcf_epochs_total", Help: "Completed training epochs.", ConstLabels: labels,
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ngcf_batches_total", Help: "Optimisation steps taken.", ConstLabels: labels,
		}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ngcf_epoch_loss", Help: "Mean training loss of the last epoch.", ConstLabels: labels,
		}),
		epochTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "ngcf_epoch_seconds", Help: "Wall time per epoch.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		validation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ngcf_validation", Help: "Validation metrics of the last epoch.", ConstLabels: labels,
		}, []string{"metric"}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ngcf_heap_bytes", Help: "Heap in use at the last sample.", ConstLabels: labels,
		}),
		start: time.Now(),
		delay: delay,
		done:  make(chan struct{}),
	}
	m.registry.MustRegister(m.epochs, m.batches, m.loss, m.epochTime, m.validation, m.heapBytes)

	m.sampleMemory()
	if delay > 0 {
		m.wg.Add(1)
		go m.run()
	}
	klog.V(1).Infof("Monitor %s writing to %s", m.RunID, logDir)
	return m, nil
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.delay)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sampleMemory()
		}
	}
}

func (m *Monitor) sampleMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.heapBytes.Set(float64(stats.HeapInuse))
}

// Batch records one optimisation step
func (m *Monitor) Batch() {
	m.batches.Inc()
}

// Epoch records a finished epoch with its mean loss and duration
func (m *Monitor) Epoch(loss float64, took time.Duration) {
	m.epochs.Inc()
	m.loss.Set(loss)
	m.epochTime.Observe(took.Seconds())
}

// Validation records the metrics computed after an epoch
func (m *Monitor) Validation(result map[string]float64) {
	for name, v := range result {
		m.validation.WithLabelValues(name).Set(v)
	}
}

// Gatherer exposes the registry
func (m *Monitor) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Stop ends sampling, writes the metrics textfile and returns the run time.
// Calling it again only returns the run time.
func (m *Monitor) Stop() (time.Duration, error) {
	runTime := time.Since(m.start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return runTime, nil
	}
	m.stopped = true
	close(m.done)
	m.wg.Wait()
	m.sampleMemory()

	path := filepath.Join(m.LogDir, MetricsFile)
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return runTime, errors.Wrapf(err, "failed to write %s", path)
	}
	klog.Infof("Run %s finished in %s, metrics in %s", m.RunID, runTime.Round(time.Millisecond), path)
	return runTime, nil
}
