package governance

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// MetricBuffer holds per-model, per-signal time series delivered by the
// metrics feed. It is a pure data holder: append, replace, prune, read.
type MetricBuffer struct {
	mu         sync.RWMutex
	series     map[string]*ModelMetrics
	maxSamples int
}

// NewMetricBuffer creates a buffer keeping at most maxSamples points per
// signal. maxSamples <= 0 means unbounded.
func NewMetricBuffer(maxSamples int) *MetricBuffer {
	return &MetricBuffer{
		series:     make(map[string]*ModelMetrics),
		maxSamples: maxSamples,
	}
}

// Replace swaps the stored series for a version with the given snapshot.
func (b *MetricBuffer) Replace(version string, metrics ModelMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	metrics.ObservedAt = time.Now()
	b.prune(&metrics)
	b.series[version] = &metrics
}

// Append extends the stored series for a version with the given samples.
func (b *MetricBuffer) Append(version string, metrics ModelMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.series[version]
	if !ok {
		metrics.ObservedAt = time.Now()
		b.prune(&metrics)
		b.series[version] = &metrics
		return
	}
	cur.LatencyP95Ms = append(cur.LatencyP95Ms, metrics.LatencyP95Ms...)
	cur.LatencyP99Ms = append(cur.LatencyP99Ms, metrics.LatencyP99Ms...)
	cur.Accuracy = append(cur.Accuracy, metrics.Accuracy...)
	cur.ErrorRate = append(cur.ErrorRate, metrics.ErrorRate...)
	cur.Confidence = append(cur.Confidence, metrics.Confidence...)
	cur.Throughput = append(cur.Throughput, metrics.Throughput...)
	cur.MemoryMB = append(cur.MemoryMB, metrics.MemoryMB...)
	cur.CPUPercent = append(cur.CPUPercent, metrics.CPUPercent...)
	cur.ObservedAt = time.Now()
	b.prune(cur)
}

// Get returns a copy of the stored series for a version.
func (b *MetricBuffer) Get(version string) (ModelMetrics, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.series[version]
	if !ok {
		return ModelMetrics{}, false
	}
	return *cur, true
}

// SampleCount returns the number of stored samples for one signal.
func (b *MetricBuffer) SampleCount(version string, sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.series[version]
	if !ok {
		return 0
	}
	return len(cur.BySignal(sig))
}

func (b *MetricBuffer) prune(m *ModelMetrics) {
	if b.maxSamples <= 0 {
		return
	}
	m.LatencyP95Ms = tail(m.LatencyP95Ms, b.maxSamples)
	m.LatencyP99Ms = tail(m.LatencyP99Ms, b.maxSamples)
	m.Accuracy = tail(m.Accuracy, b.maxSamples)
	m.ErrorRate = tail(m.ErrorRate, b.maxSamples)
	m.Confidence = tail(m.Confidence, b.maxSamples)
	m.Throughput = tail(m.Throughput, b.maxSamples)
	m.MemoryMB = tail(m.MemoryMB, b.maxSamples)
	m.CPUPercent = tail(m.CPUPercent, b.maxSamples)
}

func tail(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// WindowMean returns the mean of the most recent window samples of a signal.
func (b *MetricBuffer) WindowMean(version string, sig Signal, window int) (float64, bool) {
	samples := b.window(version, sig, window)
	if len(samples) == 0 {
		return 0, false
	}
	mean, err := stats.Mean(stats.LoadRawData(samples))
	if err != nil {
		return 0, false
	}
	return mean, true
}

// WindowPercentile returns the given percentile over the most recent window
// samples of a signal.
func (b *MetricBuffer) WindowPercentile(version string, sig Signal, window int, pct float64) (float64, bool) {
	samples := b.window(version, sig, window)
	if len(samples) == 0 {
		return 0, false
	}
	v, err := stats.Percentile(stats.LoadRawData(samples), pct)
	if err != nil {
		return 0, false
	}
	return v, true
}

// WindowStdDev returns the standard deviation over the most recent window
// samples of a signal.
func (b *MetricBuffer) WindowStdDev(version string, sig Signal, window int) (float64, bool) {
	samples := b.window(version, sig, window)
	if len(samples) < 2 {
		return 0, false
	}
	sd, err := stats.StandardDeviation(stats.LoadRawData(samples))
	if err != nil {
		return 0, false
	}
	return sd, true
}

func (b *MetricBuffer) window(version string, sig Signal, window int) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cur, ok := b.series[version]
	if !ok {
		return nil
	}
	s := cur.BySignal(sig)
	if window > 0 && len(s) > window {
		s = s[len(s)-window:]
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
