package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/store"
	"github.com/drblury/orderflow/internal/topology"
	"github.com/drblury/orderflow/internal/transition"
	configpkg "github.com/drblury/orderflow/internal/runtime/config"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/orderflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	transportpkg "github.com/drblury/orderflow/internal/runtime/transport"
	brokertransport "github.com/drblury/orderflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Prefetch is fixed: a stage instance holds at most one unacknowledged delivery.
const Prefetch = 1

// DefaultCloseTimeout bounds how long a closing session waits for the
// delivery in flight.
const DefaultCloseTimeout = 30 * time.Second

// ServiceDependencies holds the collaborators of a stage. Store is required
// unless Applier is supplied.
type ServiceDependencies struct {
	Store             store.Store
	Applier           transition.Applier // Replaces the stage's default transition.
	TransitionOptions []transition.Option

	Registry   *brokertransport.Registry // Defaults to brokertransport.DefaultRegistry.
	Registerer prometheus.Registerer     // Defaults to prometheus.DefaultRegisterer.
	Metrics    *StageMetrics             // Built on Registerer when nil.

	Hooks                     JobHooks                 // Run after the built-in outcome hooks.
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	CloseTimeout time.Duration
}

// Service runs one stage: it connects to the broker, declares the stage
// topology and consumes the stage queue one delivery at a time. A lost
// connection tears the session down and starts a new one.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	stage        topology.Stage
	applier      transition.Applier
	dial         brokertransport.Dialer
	registerer   prometheus.Registerer
	metrics      *StageMetrics
	stats        *StageStats
	hooks        JobHooks
	middlewares  []MiddlewareRegistration
	closeTimeout time.Duration

	// router belongs to the current session and is only touched by Start
	// and the middleware builders it invokes.
	router *message.Router

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	metricsOnce   sync.Once
}

// NewService constructs the runtime for the named stage. Nothing touches the
// broker until Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, stageName string, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	stage, err := topology.Lookup(stageName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrStageRequired, err)
	}

	applier := deps.Applier
	if applier == nil {
		applier, err = transition.ForStage(stage.Name, deps.Store, deps.TransitionOptions...)
		if err != nil {
			return nil, err
		}
	}

	registry := deps.Registry
	if registry == nil {
		registry = brokertransport.DefaultRegistry
	}
	dial, err := registry.Dialer(conf.PubSubSystem)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	stageMetrics := deps.Metrics
	if stageMetrics == nil {
		stageMetrics = NewStageMetrics(registerer)
	}
	if err := stageMetrics.Register(); err != nil {
		return nil, fmt.Errorf("register stage metrics: %w", err)
	}

	closeTimeout := deps.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}

	logger := log.With(loggingpkg.LogFields{"stage": stage.Name})
	logger.Info("Creating stage service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"queue":         stage.Queue,
		"config":        conf,
	})

	s := &Service{
		Conf:         conf,
		Logger:       logger,
		stage:        stage,
		applier:      applier,
		dial:         dial,
		registerer:   registerer,
		metrics:      stageMetrics,
		stats:        newStageStats(stage.Name),
		closeTimeout: closeTimeout,
	}

	s.hooks = LoggingHooks(logger).
		Merge(MetricsHooks(stageMetrics)).
		Merge(statsHooks(s.stats)).
		Merge(deps.Hooks)

	if !deps.DisableDefaultMiddlewares {
		s.middlewares = append(s.middlewares, DefaultMiddlewares()...)
	}
	s.middlewares = append(s.middlewares, deps.Middlewares...)

	return s, nil
}

// Stage returns the topology entry the service consumes for.
func (s *Service) Stage() topology.Stage {
	return s.stage
}

// Metrics returns the stage metrics collector.
func (s *Service) Metrics() *StageMetrics {
	return s.metrics
}

// Info returns the stage wiring with a snapshot of its counters.
func (s *Service) Info() StageInfo {
	return StageInfo{
		Name:            s.stage.Name,
		ConsumeQueue:    s.stage.Queue,
		DeadLetterQueue: s.stage.DeadLetterQueue(),
		PublishKey:      string(s.stage.PublishKey),
		Stats:           s.stats.Snapshot(),
	}
}

// Start runs sessions until ctx ends. It returns nil on cancellation and an
// error only when the broker refuses the stage topology or the session
// cannot be assembled; connectivity problems are retried forever.
func (s *Service) Start(ctx context.Context) error {
	stopHTTP := s.startHTTPServers()
	defer stopHTTP()

	for {
		conn, err := brokertransport.Connect(ctx, s.dial, s.Conf.RabbitMQURL, s.Conf.ConnectRetryInterval, s.Logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		reconnect, err := s.runSession(ctx, conn)
		if err != nil {
			return err
		}
		if !reconnect || ctx.Err() != nil {
			return nil
		}
		s.Logger.Info("Reconnecting to broker", nil)
	}
}

// runSession consumes until ctx ends or the connection is lost. reconnect
// reports whether Start should dial again.
func (s *Service) runSession(ctx context.Context, conn brokertransport.Connection) (reconnect bool, err error) {
	defer conn.Close()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		s.Logger.Error("Failed to open channel", err, nil)
		return s.wait(ctx), nil
	}
	defer ch.Close()

	if err := topology.Declare(ch, s.stage); err != nil {
		if isPreconditionFailed(err) {
			return false, err
		}
		s.Logger.Error("Failed to declare topology", err, nil)
		return s.wait(ctx), nil
	}
	s.Logger.Info("Topology declared", loggingpkg.LogFields{
		"exchange":          topology.Exchange,
		"queue":             s.stage.Queue,
		"dead_letter_queue": s.stage.DeadLetterQueue(),
	})

	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	tr, err := s.sessionTransport(conn, ch, wmLogger)
	if err != nil {
		s.Logger.Error("Failed to create transport", err, nil)
		return s.wait(ctx), nil
	}
	defer tr.Publisher.Close()
	defer tr.Subscriber.Close()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: s.closeTimeout}, wmLogger)
	if err != nil {
		return false, err
	}
	s.router = router
	defer func() { s.router = nil }()

	for _, reg := range s.middlewares {
		if err := s.registerMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return false, fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}

	handler, err := handlerspkg.BuildStageHandler(s.applier, tr.Publisher, s.Logger)
	if err != nil {
		return false, err
	}
	router.AddConsumerHandler(s.stage.Name, s.stage.Queue, tr.Subscriber, handler)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- routerRun(router, sessionCtx) }()

	s.stats.onSession(true)
	defer s.stats.onSession(false)

	select {
	case <-ctx.Done():
		cancel()
		if err := <-done; err != nil {
			s.Logger.Error("Router stopped with error", err, nil)
		}
		return false, nil
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			s.Logger.Error("Broker connection lost", amqpErr, loggingpkg.LogFields{"code": amqpErr.Code})
		} else {
			s.Logger.Info("Broker connection closed", nil)
		}
		cancel()
		<-done
		return true, nil
	case err := <-done:
		if err != nil {
			s.Logger.Error("Router stopped with error", err, nil)
		}
		// The connection is still up, so wait before dialing again.
		return s.wait(ctx), nil
	}
}

// sessionTransport consumes through watermill-amqp when the connection carries
// a wrapper and through the channel adapter otherwise.
func (s *Service) sessionTransport(conn brokertransport.Connection, ch brokertransport.Channel, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
	opts := transportpkg.Options{
		Exchange: topology.Exchange,
		Prefetch: Prefetch,
		Declare: func(ch brokertransport.Channel) error {
			return topology.Declare(ch, s.stage)
		},
		DrainTimeout: s.closeTimeout,
	}
	if wrapper := brokertransport.WatermillConnection(conn); wrapper != nil {
		return transportpkg.NewAMQP(wrapper, opts, logger)
	}
	return transportpkg.New(ch, opts, logger), nil
}

// wait sleeps for the retry interval and reports whether ctx is still live.
func (s *Service) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.Conf.ConnectRetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return sterrors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}
