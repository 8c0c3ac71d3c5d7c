// Package dlq is the operator tool for dead-letter queues. It counts, replays
// and purges refused messages out of band; stage runtimes never call it.
package dlq

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/runtime"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	idspkg "github.com/drblury/orderflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/orderflow/internal/runtime/transport"
	"github.com/drblury/orderflow/internal/topology"
	brokertransport "github.com/drblury/orderflow/transport"
)

// KeyReplayedFrom marks a replayed message with the DLQ it came from.
const KeyReplayedFrom = "replayed_from"

// Inspector operates on the DLQs over one broker channel. It is not safe for
// concurrent use.
type Inspector struct {
	ch        brokertransport.Channel
	publisher *transportpkg.Publisher
	metrics   *runtime.StageMetrics
	logger    loggingpkg.ServiceLogger
}

// NewInspector wraps ch. Metrics may be nil.
func NewInspector(ch brokertransport.Channel, metrics *runtime.StageMetrics, logger loggingpkg.ServiceLogger) (*Inspector, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel is nil", errspkg.ErrConnectivity)
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	logger = logger.With(loggingpkg.LogFields{"component": "dlq"})
	return &Inspector{
		ch:        ch,
		publisher: transportpkg.NewPublisher(ch, topology.Exchange, loggingpkg.NewWatermillAdapter(logger)),
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Count returns the number of messages waiting in the stage's DLQ.
func (i *Inspector) Count(stageName string) (int, error) {
	stage, err := topology.Lookup(stageName)
	if err != nil {
		return 0, err
	}
	q, err := i.ch.QueueDeclarePassive(stage.DeadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", stage.DeadLetterQueue(), err)
	}
	if i.metrics != nil {
		i.metrics.SetDLQDepth(stage.Name, q.Messages)
	}
	return q.Messages, nil
}

// Depths returns the DLQ size of every stage, keyed by stage name.
func (i *Inspector) Depths() (map[string]int, error) {
	depths := make(map[string]int, len(topology.Stages()))
	for _, s := range topology.Stages() {
		n, err := i.Count(s.Name)
		if err != nil {
			return nil, err
		}
		depths[s.Name] = n
	}
	return depths, nil
}

// Replay moves up to limit messages from the stage's DLQ back onto the live
// exchange under the stage's inbound routing key. A limit of zero or less
// replays what is queued when the call starts, so messages that fail again
// are not replayed twice in one call. Each message is acknowledged on the
// DLQ only after it was republished.
func (i *Inspector) Replay(ctx context.Context, stageName string, limit int) (int, error) {
	stage, err := topology.Lookup(stageName)
	if err != nil {
		return 0, err
	}
	pending, err := i.Count(stage.Name)
	if err != nil {
		return 0, err
	}
	if limit <= 0 || limit > pending {
		limit = pending
	}

	replayed := 0
	defer func() {
		if replayed > 0 && i.metrics != nil {
			i.metrics.RecordReplayed(stage.Name, replayed)
		}
	}()

	dlq := stage.DeadLetterQueue()
	for replayed < limit {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		d, ok, err := i.ch.Get(dlq, false)
		if err != nil {
			return replayed, fmt.Errorf("get from %s: %w", dlq, err)
		}
		if !ok {
			break
		}

		uuid := d.MessageId
		if uuid == "" {
			uuid = idspkg.CreateULID()
		}
		msg := message.NewMessage(uuid, d.Body)
		msg.Metadata = metadatapkg.ToWatermill(replayHeaders(d.Headers).With(KeyReplayedFrom, dlq))
		msg.SetContext(ctx)

		if err := i.publisher.Publish(string(stage.BindingKey), msg); err != nil {
			_ = d.Nack(false, true)
			return replayed, err
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack %s: %w", dlq, err)
		}
		replayed++

		i.logger.Debug("Dead letter replayed", loggingpkg.LogFields{
			"stage":        stage.Name,
			"message_uuid": uuid,
			"order_id":     msg.Metadata.Get(metadatapkg.KeyOrderID),
		})
	}

	i.logger.Info("DLQ replayed", loggingpkg.LogFields{"stage": stage.Name, "replayed": replayed})
	return replayed, nil
}

// replayHeaders keeps the application headers. Broker death bookkeeping
// (x-death, x-first-death-*) is left behind.
func replayHeaders(headers amqp.Table) metadatapkg.Metadata {
	md := metadatapkg.FromHeaders(headers)
	for k := range md {
		if strings.HasPrefix(k, "x-") {
			delete(md, k)
		}
	}
	return md
}

// Purge drops every message in the stage's DLQ.
func (i *Inspector) Purge(stageName string) (int, error) {
	stage, err := topology.Lookup(stageName)
	if err != nil {
		return 0, err
	}
	n, err := i.ch.QueuePurge(stage.DeadLetterQueue(), false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", stage.DeadLetterQueue(), err)
	}
	if i.metrics != nil {
		i.metrics.RecordPurged(stage.Name, n)
	}
	i.logger.Info("DLQ purged", loggingpkg.LogFields{"stage": stage.Name, "purged": n})
	return n, nil
}

// Close stops the inspector's publisher. The channel stays owned by the caller.
func (i *Inspector) Close() error {
	return i.publisher.Close()
}
