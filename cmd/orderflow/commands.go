package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/orderflow/internal/dlq"
	"github.com/drblury/orderflow/internal/intake"
	"github.com/drblury/orderflow/internal/runtime"
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	"github.com/drblury/orderflow/internal/store"
	"github.com/drblury/orderflow/internal/store/backend"
	"github.com/drblury/orderflow/internal/topology"
	brokertransport "github.com/drblury/orderflow/transport"
	"github.com/drblury/orderflow/transport/memory"
)

func runStage(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("stage", env.stderr)
	name := fs.String("name", "", "stage to run: payment, inventory or shipping")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := env.conf.Validate(); err != nil {
		return err
	}

	st, err := backend.Open(ctx, env.conf)
	if err != nil {
		return err
	}
	defer closeStore(env.logger, st)

	svc, err := runtime.NewService(env.conf, env.logger, *name, runtime.ServiceDependencies{Store: st})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}

func runIntake(ctx context.Context, env *environment, args []string) error {
	if err := parse(newFlagSet("intake", env.stderr), args); err != nil {
		return err
	}
	if err := env.conf.Validate(); err != nil {
		return err
	}

	st, err := backend.Open(ctx, env.conf)
	if err != nil {
		return err
	}
	defer closeStore(env.logger, st)

	producer, err := runtime.OpenProducer(ctx, env.conf, env.logger, nil)
	if err != nil {
		return err
	}
	defer producer.Close()

	h, err := intake.NewHandler(st, producer, env.logger)
	if err != nil {
		return err
	}
	if env.conf.MetricsEnabled {
		h.Handle("/metrics", runtime.MetricsHandler(prometheus.DefaultRegisterer))
	}
	return intake.Serve(ctx, env.conf.HTTPAddress, h)
}

type topologyReport struct {
	Exchanges []string `json:"exchanges"`
	Queues    []string `json:"queues"`
}

func runTopology(ctx context.Context, env *environment, args []string) error {
	if err := parse(newFlagSet("topology", env.stderr), args); err != nil {
		return err
	}
	ch, closeConn, err := openChannel(ctx, env)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := topology.Declare(ch, topology.Stages()...); err != nil {
		return err
	}

	report := topologyReport{Exchanges: []string{topology.Exchange, topology.DeadLetterExchange}}
	for _, s := range topology.Stages() {
		report.Queues = append(report.Queues, s.Queue, s.DeadLetterQueue())
	}
	env.logger.Info("Topology declared", loggingpkg.LogFields{"queues": len(report.Queues)})
	return jsoncodec.Encode(env.stdout, report)
}

type dlqReport struct {
	Stage  string `json:"stage"`
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func runDLQ(ctx context.Context, env *environment, args []string) error {
	fs := newFlagSet("dlq", env.stderr)
	stageName := fs.String("stage", "", "stage whose DLQ to operate on")
	action := fs.String("action", "count", "count, replay or purge")
	limit := fs.Int("limit", 0, "replay at most N messages, 0 replays all")
	if err := parse(fs, args); err != nil {
		return err
	}
	if _, err := topology.Lookup(*stageName); err != nil {
		fmt.Fprintln(env.stderr, err)
		return errUsage
	}

	ch, closeConn, err := openChannel(ctx, env)
	if err != nil {
		return err
	}
	defer closeConn()

	inspector, err := dlq.NewInspector(ch, nil, env.logger)
	if err != nil {
		return err
	}
	defer inspector.Close()

	var n int
	switch *action {
	case "count":
		n, err = inspector.Count(*stageName)
	case "replay":
		n, err = inspector.Replay(ctx, *stageName, *limit)
	case "purge":
		n, err = inspector.Purge(*stageName)
	default:
		fmt.Fprintf(env.stderr, "unknown action %q\n", *action)
		return errUsage
	}
	if err != nil {
		return err
	}
	return jsoncodec.Encode(env.stdout, dlqReport{Stage: *stageName, Action: *action, Count: n})
}

// runDemo wires the intake and all three stages to the in-memory broker and
// store. Metrics and stage status are served next to the intake routes.
func runDemo(ctx context.Context, env *environment, args []string) error {
	if err := parse(newFlagSet("demo", env.stderr), args); err != nil {
		return err
	}
	conf := *env.conf
	conf.PubSubSystem = memory.TransportName
	conf.StoreBackend = "memory"
	conf.MetricsEnabled = false

	st, err := backend.Open(ctx, &conf)
	if err != nil {
		return err
	}
	defer closeStore(env.logger, st)

	// Declare up front so orders accepted before the stages connect are queued.
	ch, err := memory.Default.Dial().OpenChannel()
	if err != nil {
		return err
	}
	if err := topology.Declare(ch, topology.Stages()...); err != nil {
		return err
	}
	_ = ch.Close()

	registry := prometheus.NewRegistry()
	metrics := runtime.NewStageMetrics(registry)

	services := make([]*runtime.Service, 0, len(topology.Stages()))
	for _, s := range topology.Stages() {
		svc, err := runtime.NewService(&conf, env.logger, s.Name, runtime.ServiceDependencies{
			Store:      st,
			Registerer: registry,
			Metrics:    metrics,
		})
		if err != nil {
			return err
		}
		services = append(services, svc)
	}

	producer, err := runtime.OpenProducer(ctx, &conf, env.logger, nil)
	if err != nil {
		return err
	}
	defer producer.Close()

	h, err := intake.NewHandler(st, producer, env.logger)
	if err != nil {
		return err
	}
	h.Handle("/metrics", runtime.MetricsHandler(registry))
	h.Handle("/stages", stagesHandler(services))

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error { return svc.Start(gctx) })
	}
	g.Go(func() error { return intake.Serve(gctx, conf.HTTPAddress, h) })
	return g.Wait()
}

func stagesHandler(services []*runtime.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		infos := make([]runtime.StageInfo, 0, len(services))
		for _, svc := range services {
			infos = append(infos, svc.Info())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = jsoncodec.Encode(w, infos)
	})
}

// openChannel connects with the configured retry policy and opens one
// channel. The returned func closes both.
func openChannel(ctx context.Context, env *environment) (brokertransport.Channel, func(), error) {
	dial, err := brokertransport.Lookup(env.conf.PubSubSystem)
	if err != nil {
		return nil, nil, err
	}
	conn, err := brokertransport.Connect(ctx, dial, env.conf.RabbitMQURL, env.conf.ConnectRetryInterval, env.logger)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, func() {
		_ = ch.Close()
		_ = conn.Close()
	}, nil
}

func closeStore(logger loggingpkg.ServiceLogger, st store.Store) {
	if err := st.Close(); err != nil {
		logger.Error("Failed to close store", err, nil)
	}
}
