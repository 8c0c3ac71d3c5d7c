package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
)

const latencySampleSize = 256

// StageStats is the in-process view of a stage served on the status endpoint.
type StageStats struct {
	mu sync.Mutex

	stage string

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	Sessions            uint64    `json:"sessions"`
	Connected           bool      `json:"connected"`

	Latency LatencyMetrics `json:"latency"`
	Errors  ErrorBreakdown `json:"errors"`

	latencyWindow *latencyWindow
}

// StageInfo describes a running stage and its wiring.
type StageInfo struct {
	Name            string      `json:"name"`
	ConsumeQueue    string      `json:"consume_queue"`
	DeadLetterQueue string      `json:"dead_letter_queue"`
	PublishKey      string      `json:"publish_key"`
	Stats           *StageStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ErrorBreakdown counts dead-lettered deliveries per error kind.
type ErrorBreakdown struct {
	Decode      uint64 `json:"decode"`
	Simulated   uint64 `json:"simulated"`
	Persistence uint64 `json:"persistence"`
	Publish     uint64 `json:"publish"`
	Other       uint64 `json:"other"`
	LastError   string `json:"last_error,omitempty"`
}

func newStageStats(stage string) *StageStats {
	return &StageStats{
		stage:         stage,
		latencyWindow: newLatencyWindow(latencySampleSize),
	}
}

func (s *StageStats) onFinish(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
	s.Latency = snapshot

	s.Errors.Record(errspkg.Classify(err), err)
}

func (s *StageStats) onSession(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if connected {
		s.Sessions++
	}
	s.Connected = connected
}

// Snapshot returns a copy safe to encode while the stage keeps running.
func (s *StageStats) Snapshot() *StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &StageStats{
		stage:               s.stage,
		MessagesProcessed:   s.MessagesProcessed,
		MessagesFailed:      s.MessagesFailed,
		TotalProcessingTime: s.TotalProcessingTime,
		LastProcessedAt:     s.LastProcessedAt,
		Sessions:            s.Sessions,
		Connected:           s.Connected,
		Latency:             s.Latency,
		Errors:              s.Errors,
	}
}

// Record adds a failure of the given kind. A nil err is a no-op.
func (e *ErrorBreakdown) Record(kind errspkg.Kind, err error) {
	if err == nil {
		return
	}
	switch kind {
	case errspkg.KindDecode:
		e.Decode++
	case errspkg.KindSimulated:
		e.Simulated++
	case errspkg.KindPersistence:
		e.Persistence++
	case errspkg.KindPublish:
		e.Publish++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(math.Round(float64(samples[upper]-samples[lower])*frac))
}
