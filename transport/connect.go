package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
)

// Connect dials until a connection is established, waiting interval between
// attempts. It only gives up when ctx ends.
func Connect(ctx context.Context, dial Dialer, url string, interval time.Duration, logger loggingpkg.ServiceLogger) (Connection, error) {
	if dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", errspkg.ErrConnectivity)
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	if _, ok := ctx.Value(loggerKey{}).(watermill.LoggerAdapter); !ok {
		ctx = WithLogger(ctx, loggingpkg.NewWatermillAdapter(logger))
	}

	for attempt := 1; ; attempt++ {
		conn, err := dial(ctx, url)
		if err == nil {
			logger.Info("Connected to broker", loggingpkg.LogFields{"attempt": attempt})
			return conn, nil
		}

		logger.Error("Broker not ready, retrying", err, loggingpkg.LogFields{
			"attempt":  attempt,
			"retry_in": interval.String(),
		})

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, ctx.Err())
		case <-timer.C:
		}
	}
}
