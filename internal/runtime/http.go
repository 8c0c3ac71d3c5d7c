package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
)

const shutdownTimeout = 5 * time.Second

// RegisterHTTPHandler mounts handler on the auxiliary server listening on port.
// Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// MetricsHandler serves the metrics gathered by registerer. Registerers that
// are not gatherers fall back to the default registry.
func MetricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok && registerer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) registerMetricsEndpoints() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	s.metricsOnce.Do(func() {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", MetricsHandler(s.registerer))
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/stages", http.HandlerFunc(s.handleGetStage))
	})
}

func (s *Service) handleGetStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, []StageInfo{s.Info()}); err != nil {
		s.Logger.Error("Failed to encode stage info", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// startHTTPServers starts every registered server and returns a func that
// shuts them down.
func (s *Service) startHTTPServers() func() {
	s.registerMetricsEndpoints()

	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(ctx)
		}
	}
}
