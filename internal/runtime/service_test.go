package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/orderflow/internal/envelope"
	"github.com/drblury/orderflow/internal/store"
	memstore "github.com/drblury/orderflow/internal/store/memory"
	"github.com/drblury/orderflow/internal/topology"
	"github.com/drblury/orderflow/internal/transition"
	configpkg "github.com/drblury/orderflow/internal/runtime/config"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	brokertransport "github.com/drblury/orderflow/transport"
	"github.com/drblury/orderflow/transport/memory"
)

const tapQueue = "test.tap"

var trackingPattern = regexp.MustCompile(`^SHIP-[0-9A-F]{8}$`)

type harness struct {
	broker   *memory.Broker
	registry *brokertransport.Registry
	store    *memstore.Store
	conf     *configpkg.Config
	metrics  *StageMetrics
	ch       *memory.Channel

	mu    sync.Mutex
	conns []*memory.Connection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		broker:   memory.NewBroker(),
		registry: brokertransport.NewRegistry(),
		store:    memstore.New(),
		metrics:  NewStageMetrics(prometheus.NewRegistry()),
	}
	h.registry.Register(brokertransport.MemoryCapabilities, func(ctx context.Context, url string) (brokertransport.Connection, error) {
		conn := h.broker.Dial()
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		return conn, nil
	})

	h.conf = configpkg.Default()
	h.conf.PubSubSystem = memory.TransportName
	h.conf.ConnectRetryInterval = 10 * time.Millisecond

	ch, err := h.broker.Dial().OpenChannel()
	require.NoError(t, err)
	require.NoError(t, topology.Declare(ch, topology.Stages()...))
	_, err = ch.QueueDeclare(tapQueue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(tapQueue, "#", topology.Exchange, false, nil))
	h.ch = ch
	return h
}

func (h *harness) newService(t *testing.T, stage string, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Store == nil {
		deps.Store = h.store
	}
	deps.Registry = h.registry
	deps.Metrics = h.metrics
	svc, err := NewService(h.conf, loggingpkg.NopLogger(), stage, deps)
	require.NoError(t, err)
	return svc
}

func (h *harness) start(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("stage did not stop")
		}
	})
}

func (h *harness) startStages(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		h.start(t, h.newService(t, name, ServiceDependencies{}))
	}
}

func (h *harness) publish(t *testing.T, key string, body []byte) {
	t.Helper()
	require.NoError(t, h.ch.PublishWithContext(context.Background(), topology.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}))
}

// tapped returns the bodies of every event routed to the live exchange that
// has the given type.
func (h *harness) tapped(eventType envelope.Type) [][]byte {
	var out [][]byte
	for _, body := range h.broker.Peek(tapQueue) {
		var head struct {
			Type envelope.Type `json:"type"`
		}
		if jsoncodec.Unmarshal(body, &head) == nil && head.Type == eventType {
			out = append(out, body)
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func orderCreated(orderID string) []byte {
	total := 42.5
	return envelope.Encode(envelope.Envelope{
		Type:    envelope.OrderCreated,
		OrderID: orderID,
		UserID:  "u-1",
		Items:   []string{"book", "pen"},
		Total:   &total,
	})
}

func TestNewServiceValidation(t *testing.T) {
	h := newHarness(t)
	logger := loggingpkg.NopLogger()

	_, err := NewService(nil, logger, "payment", ServiceDependencies{Store: h.store})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(h.conf, nil, "payment", ServiceDependencies{Store: h.store})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewService(h.conf, logger, "billing", ServiceDependencies{Store: h.store, Registry: h.registry})
	assert.ErrorIs(t, err, errspkg.ErrStageRequired)

	_, err = NewService(h.conf, logger, "payment", ServiceDependencies{Registry: h.registry})
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	conf := *h.conf
	conf.PubSubSystem = "carrier-pigeon"
	_, err = NewService(&conf, logger, "payment", ServiceDependencies{Store: h.store, Registry: h.registry})
	assert.ErrorIs(t, err, errspkg.ErrConnectivity)

	svc, err := NewService(h.conf, logger, "shipping", ServiceDependencies{Store: h.store, Registry: h.registry, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, topology.Shipping, svc.Stage())
	assert.Equal(t, "q.shipping.dlq", svc.Info().DeadLetterQueue)
	assert.NotNil(t, svc.Metrics())
}

func TestChainProcessesOrderEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.startStages(t, "payment", "inventory", "shipping")

	h.publish(t, string(envelope.OrderCreated), orderCreated("o-1"))

	eventually(t, func() bool { return len(h.tapped(envelope.ShippingReady)) == 1 }, "shipping.ready not published")

	for _, eventType := range []envelope.Type{envelope.PaymentAuthorized, envelope.InventoryReserved} {
		require.Len(t, h.tapped(eventType), 1, eventType)
	}

	ready, err := envelope.Decode(h.tapped(envelope.ShippingReady)[0], envelope.ShippingReady)
	require.NoError(t, err)
	assert.Equal(t, "o-1", ready.OrderID)
	assert.Equal(t, "u-1", ready.UserID)
	assert.Regexp(t, trackingPattern, ready.TrackingNumber)

	shipment, err := h.store.Get(context.Background(), transition.StageShipping, "o-1")
	require.NoError(t, err)
	require.NotNil(t, ready.EstimatedDelivery)
	assert.True(t, shipment.CreatedAt.Add(transition.DeliveryWindow).Equal(*ready.EstimatedDelivery))
	assert.Equal(t, store.StatusReady, shipment.Status)

	reservation, err := h.store.Get(context.Background(), transition.StageInventory, "o-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reserved":true,"stock_available":95}`, string(reservation.Data))

	for _, stage := range topology.Stages() {
		assert.Equal(t, 0, h.broker.Depth(stage.Queue), stage.Queue)
		assert.Equal(t, 0, h.broker.Depth(stage.DeadLetterQueue()), stage.DeadLetterQueue())
		eventually(t, func() bool {
			counts := h.metrics.Counts(stage.Name)
			return counts != nil && counts.Acknowledged == 1
		}, stage.Name+" not acknowledged")
	}
}

func TestCorrelationIDFlowsThroughChain(t *testing.T) {
	h := newHarness(t)
	h.startStages(t, "payment", "inventory")

	require.NoError(t, h.ch.PublishWithContext(context.Background(), topology.Exchange, string(envelope.OrderCreated), false, false, amqp.Publishing{
		Headers: amqp.Table{"correlation_id": "corr-42"},
		Body:    orderCreated("o-corr"),
	}))

	eventually(t, func() bool { return len(h.tapped(envelope.InventoryReserved)) == 1 }, "inventory.reserved not published")

	deliveries := map[string]string{}
	for {
		d, ok, err := h.ch.Get(tapQueue, true)
		require.NoError(t, err)
		if !ok {
			break
		}
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, jsoncodec.Unmarshal(d.Body, &head))
		corr, _ := d.Headers["correlation_id"].(string)
		deliveries[head.Type] = corr
	}
	assert.Equal(t, "corr-42", deliveries[string(envelope.PaymentAuthorized)])
	assert.Equal(t, "corr-42", deliveries[string(envelope.InventoryReserved)])
}

func TestRedeliveredEventRepublishesStoredValues(t *testing.T) {
	h := newHarness(t)
	h.startStages(t, "shipping")

	reserved := true
	body := envelope.Encode(envelope.Envelope{
		Type:          envelope.InventoryReserved,
		OrderID:       "o-2",
		UserID:        "u-2",
		StockReserved: &reserved,
	})
	h.publish(t, string(envelope.InventoryReserved), body)
	h.publish(t, string(envelope.InventoryReserved), body)

	eventually(t, func() bool { return len(h.tapped(envelope.ShippingReady)) == 2 }, "expected two shipping.ready events")

	first, err := envelope.Decode(h.tapped(envelope.ShippingReady)[0], envelope.ShippingReady)
	require.NoError(t, err)
	second, err := envelope.Decode(h.tapped(envelope.ShippingReady)[1], envelope.ShippingReady)
	require.NoError(t, err)

	assert.Equal(t, first.TrackingNumber, second.TrackingNumber)
	assert.True(t, first.EstimatedDelivery.Equal(*second.EstimatedDelivery))
	assert.Equal(t, 1, h.store.Count(transition.StageShipping))
	assert.Equal(t, 0, h.broker.Depth(topology.Shipping.DeadLetterQueue()))
}

func TestForceFailDeadLettersWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.startStages(t, "inventory", "shipping")

	body := []byte(`{"type":"payment.authorized","order_id":"o-3","user_id":"u-3","force_fail":"yes"}`)
	h.publish(t, string(envelope.PaymentAuthorized), body)

	eventually(t, func() bool { return h.broker.Depth(topology.Inventory.DeadLetterQueue()) == 1 }, "delivery not dead-lettered")

	assert.Equal(t, [][]byte{body}, h.broker.Peek(topology.Inventory.DeadLetterQueue()))
	assert.Equal(t, 0, h.broker.Depth(topology.Inventory.Queue), "rejected delivery must not be requeued")
	assert.Equal(t, 0, h.store.Count(transition.StageInventory))
	assert.Empty(t, h.tapped(envelope.InventoryReserved))
	assert.Empty(t, h.tapped(envelope.ShippingReady))

	eventually(t, func() bool {
		counts := h.metrics.Counts("inventory")
		return counts != nil && counts.DeadLetterKind[errspkg.KindSimulated] == 1
	}, "dead letter not recorded")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.deadLetteredTotal.WithLabelValues("inventory", "simulated")))
}

func TestMalformedDeliveryDoesNotBlockQueue(t *testing.T) {
	h := newHarness(t)
	h.startStages(t, "payment")

	h.publish(t, string(envelope.OrderCreated), []byte(`{not json`))
	h.publish(t, string(envelope.OrderCreated), []byte(`{"type":"order.created","user_id":"u-4"}`))
	h.publish(t, string(envelope.OrderCreated), orderCreated("o-4"))

	eventually(t, func() bool { return len(h.tapped(envelope.PaymentAuthorized)) == 1 }, "valid order stuck behind malformed ones")
	eventually(t, func() bool { return h.broker.Depth(topology.Payment.DeadLetterQueue()) == 2 }, "malformed deliveries not dead-lettered")

	counts := h.metrics.Counts("payment")
	require.NotNil(t, counts)
	assert.Equal(t, uint64(2), counts.DeadLetterKind[errspkg.KindDecode])
	assert.Equal(t, 1, h.store.Count(transition.StagePayment))
}

func TestPersistenceFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.store.FailWith(errors.New("disk full"))
	h.startStages(t, "payment")

	h.publish(t, string(envelope.OrderCreated), orderCreated("o-5"))

	eventually(t, func() bool { return h.broker.Depth(topology.Payment.DeadLetterQueue()) == 1 }, "delivery not dead-lettered")
	assert.Empty(t, h.tapped(envelope.PaymentAuthorized))
	eventually(t, func() bool {
		counts := h.metrics.Counts("payment")
		return counts != nil && counts.DeadLetterKind[errspkg.KindPersistence] == 1
	}, "persistence failure not recorded")
}

type panickingApplier struct{ transition.Applier }

func (panickingApplier) Apply(context.Context, envelope.Envelope) transition.Outcome {
	panic("transition exploded")
}

func TestPanicInTransitionDeadLetters(t *testing.T) {
	h := newHarness(t)
	applier, err := transition.ForStage(transition.StagePayment, h.store)
	require.NoError(t, err)
	h.start(t, h.newService(t, "payment", ServiceDependencies{Applier: panickingApplier{applier}}))

	h.publish(t, string(envelope.OrderCreated), orderCreated("o-6"))

	eventually(t, func() bool { return h.broker.Depth(topology.Payment.DeadLetterQueue()) == 1 }, "panicking delivery not dead-lettered")
	eventually(t, func() bool {
		counts := h.metrics.Counts("payment")
		return counts != nil && counts.DeadLetterKind[errspkg.KindOther] == 1
	}, "panic not recorded")
}

func TestCustomHooksObserveOutcomes(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var done []string
	svc := h.newService(t, "payment", ServiceDependencies{Hooks: JobHooks{
		OnJobDone: func(ctx JobContext) {
			mu.Lock()
			defer mu.Unlock()
			done = append(done, ctx.OrderID)
		},
	}})
	h.start(t, svc)

	h.publish(t, string(envelope.OrderCreated), orderCreated("o-7"))

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1
	}, "hook not called")
	mu.Lock()
	assert.Equal(t, []string{"o-7"}, done)
	mu.Unlock()
	assert.Equal(t, uint64(1), svc.Info().Stats.MessagesProcessed)
}

func TestStageReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t)
	svc := h.newService(t, "payment", ServiceDependencies{})
	h.start(t, svc)

	eventually(t, func() bool { return svc.Info().Stats.Connected }, "stage never connected")
	h.mu.Lock()
	first := h.conns[0]
	h.mu.Unlock()
	first.Fail("broker restarted")

	eventually(t, func() bool {
		stats := svc.Info().Stats
		return stats.Sessions >= 2 && stats.Connected
	}, "stage did not reconnect")

	h.publish(t, string(envelope.OrderCreated), orderCreated("o-8"))
	eventually(t, func() bool { return len(h.tapped(envelope.PaymentAuthorized)) == 1 }, "reconnected stage not consuming")
}

// refusingConnection dials fine but never opens a channel.
type refusingConnection struct{}

func (refusingConnection) Channel() (brokertransport.Channel, error) {
	return nil, &amqp.Error{Code: amqp.ChannelError, Reason: "channel refused"}
}

func (refusingConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (refusingConnection) Close() error { return nil }

func TestChannelFailureWaitsBeforeRedialing(t *testing.T) {
	var dials atomic.Int64
	registry := brokertransport.NewRegistry()
	registry.Register(brokertransport.MemoryCapabilities, func(context.Context, string) (brokertransport.Connection, error) {
		dials.Add(1)
		return refusingConnection{}, nil
	})

	conf := configpkg.Default()
	conf.PubSubSystem = memory.TransportName
	conf.ConnectRetryInterval = 100 * time.Millisecond
	svc, err := NewService(conf, loggingpkg.NopLogger(), "payment", ServiceDependencies{
		Store:      memstore.New(),
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	got := dials.Load()
	if got < 2 || got > 7 {
		t.Fatalf("expected one dial per retry interval, got %d dials in 500ms", got)
	}
}

// unreachableExchange opens real channels whose exchange declares always fail
// with a non-precondition error.
type unreachableExchange struct{ *memory.Connection }

func (c unreachableExchange) Channel() (brokertransport.Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return failingDeclare{ch}, nil
}

type failingDeclare struct{ brokertransport.Channel }

func (failingDeclare) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return &amqp.Error{Code: amqp.InternalError, Reason: "exchange unavailable"}
}

func TestDeclareFailureWaitsBeforeRedialing(t *testing.T) {
	broker := memory.NewBroker()
	var dials atomic.Int64
	registry := brokertransport.NewRegistry()
	registry.Register(brokertransport.MemoryCapabilities, func(context.Context, string) (brokertransport.Connection, error) {
		dials.Add(1)
		return unreachableExchange{broker.Dial()}, nil
	})

	conf := configpkg.Default()
	conf.PubSubSystem = memory.TransportName
	conf.ConnectRetryInterval = 100 * time.Millisecond
	svc, err := NewService(conf, loggingpkg.NopLogger(), "payment", ServiceDependencies{
		Store:      memstore.New(),
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	got := dials.Load()
	if got < 2 || got > 7 {
		t.Fatalf("expected one dial per retry interval, got %d dials in 500ms", got)
	}
}

func TestTopologyMismatchStopsStage(t *testing.T) {
	broker := memory.NewBroker()
	registry := brokertransport.NewRegistry()
	registry.Register(brokertransport.MemoryCapabilities, broker.Dialer())

	ch, err := broker.Dial().OpenChannel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(topology.Payment.Queue, true, false, false, false, nil)
	require.NoError(t, err)

	conf := configpkg.Default()
	conf.PubSubSystem = memory.TransportName
	svc, err := NewService(conf, loggingpkg.NopLogger(), "payment", ServiceDependencies{
		Store:      memstore.New(),
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = svc.Start(ctx)
	require.Error(t, err)

	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
}

func TestStartReturnsWhenContextEndsBeforeConnect(t *testing.T) {
	registry := brokertransport.NewRegistry()
	registry.Register(brokertransport.MemoryCapabilities, func(context.Context, string) (brokertransport.Connection, error) {
		return nil, errors.New("connection refused")
	})
	conf := configpkg.Default()
	conf.PubSubSystem = memory.TransportName
	conf.ConnectRetryInterval = 5 * time.Millisecond

	svc, err := NewService(conf, loggingpkg.NopLogger(), "payment", ServiceDependencies{
		Store:      memstore.New(),
		Registry:   registry,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, svc.Start(ctx))
}

func TestStageStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	svc := h.newService(t, "inventory", ServiceDependencies{})

	rec := httptest.NewRecorder()
	svc.handleGetStage(rec, httptest.NewRequest(http.MethodGet, "/stages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []StageInfo
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "inventory", infos[0].Name)
	assert.Equal(t, "q.inventory", infos[0].ConsumeQueue)
	assert.Equal(t, "inventory.reserved", infos[0].PublishKey)

	rec = httptest.NewRecorder()
	svc.handleGetStage(rec, httptest.NewRequest(http.MethodPost, "/stages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsHandlerUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStageMetrics(reg)
	require.NoError(t, m.Register())
	m.RecordAcknowledged("payment", time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `orderflow_stage_acknowledged_total{stage="payment"} 1`)
}
