// Command orderflow runs the order-fulfillment chain: a stage consumer, the
// intake endpoint, topology declaration, the DLQ operator tool, or all of it
// in one process against the in-memory broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	configpkg "github.com/drblury/orderflow/internal/runtime/config"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	_ "github.com/drblury/orderflow/transport/transports"
)

const usage = `usage: orderflow <command> [flags]

commands:
  stage     -name payment|inventory|shipping   consume one stage queue
  intake                                       serve POST /orders
  topology                                     declare exchanges, queues and bindings
  dlq       -stage <name> -action count|replay|purge [-limit N]
  demo                                         intake and all stages on the in-memory broker

configuration is read from ORDERFLOW_* environment variables.
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "orderflow: %v\n", err)
		}
		os.Exit(1)
	}
}

type command func(ctx context.Context, env *environment, args []string) error

var commands = map[string]command{
	"stage":    runStage,
	"intake":   runIntake,
	"topology": runTopology,
	"dlq":      runDLQ,
	"demo":     runDemo,
}

// environment carries what every command shares.
type environment struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}

	conf, err := configpkg.FromEnv()
	if err != nil {
		return err
	}
	env := &environment{
		conf:   conf,
		logger: loggingpkg.NewJSONServiceLogger(stderr, conf.LogLevel),
		stdout: stdout,
		stderr: stderr,
	}
	return cmd(ctx, env, args[1:])
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}
