package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
)

// Outcome labels for processing_seconds.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeDeadLettered = "dead_lettered"
)

// StageMetrics tracks per-stage delivery outcomes and dead-letter queue
// bookkeeping. The runtime records acks and dead letters; the DLQ tool
// records depth, replays and purges.
type StageMetrics struct {
	mu sync.RWMutex

	stageCounts map[string]*StageCounts

	acknowledgedTotal  *prometheus.CounterVec
	deadLetteredTotal  *prometheus.CounterVec
	processingSeconds  *prometheus.HistogramVec
	dlqMessagesCurrent *prometheus.GaugeVec
	dlqReplayedTotal   *prometheus.CounterVec
	dlqPurgedTotal     *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// StageCounts mirrors the Prometheus series of one stage.
type StageCounts struct {
	Acknowledged   uint64                  `json:"acknowledged"`
	DeadLettered   uint64                  `json:"dead_lettered"`
	DeadLetterKind map[errspkg.Kind]uint64 `json:"dead_letter_kinds,omitempty"`
	DLQCurrent     uint64                  `json:"dlq_current"`
	DLQReplayed    uint64                  `json:"dlq_replayed"`
	DLQPurged      uint64                  `json:"dlq_purged"`
	LastUpdatedAt  time.Time               `json:"last_updated_at"`
}

func newStageCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderflow",
			Subsystem: "stage",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newStageGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orderflow",
			Subsystem: "stage",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewStageMetrics creates the collectors. Call Register before recording
// into a shared registry.
func NewStageMetrics(registerer prometheus.Registerer) *StageMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StageMetrics{
		stageCounts:       make(map[string]*StageCounts),
		registerer:        registerer,
		acknowledgedTotal: newStageCounterVec("acknowledged_total", "Deliveries processed and acknowledged", []string{"stage"}),
		deadLetteredTotal: newStageCounterVec("dead_lettered_total", "Deliveries refused without requeue and routed to the stage DLQ", []string{"stage", "kind"}),
		processingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "orderflow",
				Subsystem: "stage",
				Name:      "processing_seconds",
				Help:      "Time from delivery to ack or dead letter",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "outcome"},
		),
		dlqMessagesCurrent: newStageGaugeVec("dlq_messages_current", "Messages currently parked in the stage DLQ", []string{"stage"}),
		dlqReplayedTotal:   newStageCounterVec("dlq_replayed_total", "Messages moved from the stage DLQ back to the live exchange", []string{"stage"}),
		dlqPurgedTotal:     newStageCounterVec("dlq_purged_total", "Messages dropped from the stage DLQ", []string{"stage"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *StageMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	errs := []error{
		registerOrReuse(m.registerer, &m.acknowledgedTotal),
		registerOrReuse(m.registerer, &m.deadLetteredTotal),
		registerOrReuse(m.registerer, &m.processingSeconds),
		registerOrReuse(m.registerer, &m.dlqMessagesCurrent),
		registerOrReuse(m.registerer, &m.dlqReplayedTotal),
		registerOrReuse(m.registerer, &m.dlqPurgedTotal),
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// RecordAcknowledged records a delivery that was acked after its event was published.
func (m *StageMetrics) RecordAcknowledged(stage string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateStageCounts(stage)
	counts.Acknowledged++
	counts.LastUpdatedAt = time.Now()

	m.acknowledgedTotal.WithLabelValues(stage).Inc()
	m.processingSeconds.WithLabelValues(stage, OutcomeAcknowledged).Observe(took.Seconds())
}

// RecordDeadLettered records a delivery refused without requeue.
func (m *StageMetrics) RecordDeadLettered(stage string, kind errspkg.Kind, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateStageCounts(stage)
	counts.DeadLettered++
	counts.DeadLetterKind[kind]++
	counts.DLQCurrent++
	counts.LastUpdatedAt = time.Now()

	m.deadLetteredTotal.WithLabelValues(stage, string(kind)).Inc()
	m.processingSeconds.WithLabelValues(stage, OutcomeDeadLettered).Observe(took.Seconds())
	m.dlqMessagesCurrent.WithLabelValues(stage).Set(float64(counts.DLQCurrent))
}

// RecordReplayed records messages moved from the DLQ back to the live exchange.
func (m *StageMetrics) RecordReplayed(stage string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateStageCounts(stage)
	counts.DLQReplayed += uint64(count)
	counts.DLQCurrent = subtractFloor(counts.DLQCurrent, uint64(count))
	counts.LastUpdatedAt = time.Now()

	m.dlqReplayedTotal.WithLabelValues(stage).Add(float64(count))
	m.dlqMessagesCurrent.WithLabelValues(stage).Set(float64(counts.DLQCurrent))
}

// RecordPurged records messages dropped from the DLQ.
func (m *StageMetrics) RecordPurged(stage string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateStageCounts(stage)
	counts.DLQPurged += uint64(count)
	counts.DLQCurrent = subtractFloor(counts.DLQCurrent, uint64(count))
	counts.LastUpdatedAt = time.Now()

	m.dlqPurgedTotal.WithLabelValues(stage).Add(float64(count))
	m.dlqMessagesCurrent.WithLabelValues(stage).Set(float64(counts.DLQCurrent))
}

// SetDLQDepth syncs the current DLQ size with what the broker reports.
func (m *StageMetrics) SetDLQDepth(stage string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.getOrCreateStageCounts(stage)
	counts.DLQCurrent = uint64(depth)
	counts.LastUpdatedAt = time.Now()

	m.dlqMessagesCurrent.WithLabelValues(stage).Set(float64(depth))
}

// Counts returns a copy of the counters of one stage, or nil if nothing was
// recorded for it.
func (m *StageMetrics) Counts(stage string) *StageCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts, ok := m.stageCounts[stage]
	if !ok {
		return nil
	}
	cp := *counts
	cp.DeadLetterKind = make(map[errspkg.Kind]uint64, len(counts.DeadLetterKind))
	for k, v := range counts.DeadLetterKind {
		cp.DeadLetterKind[k] = v
	}
	return &cp
}

func (m *StageMetrics) getOrCreateStageCounts(stage string) *StageCounts {
	if counts, ok := m.stageCounts[stage]; ok {
		return counts
	}
	counts := &StageCounts{DeadLetterKind: make(map[errspkg.Kind]uint64)}
	m.stageCounts[stage] = counts
	return counts
}

// registerOrReuse registers *c, or points *c at the collector another
// StageMetrics already registered under the same name.
func registerOrReuse[T prometheus.Collector](registerer prometheus.Registerer, c *T) error {
	err := registerer.Register(*c)
	if err == nil {
		return nil
	}
	are, ok := err.(prometheus.AlreadyRegisteredError)
	if !ok {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

func subtractFloor(current, n uint64) uint64 {
	if current >= n {
		return current - n
	}
	return 0
}
