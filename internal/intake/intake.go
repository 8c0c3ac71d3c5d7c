// Package intake is the HTTP boundary that starts a chain: it stores the
// order and publishes order.created.
package intake

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/orderflow/internal/envelope"
	"github.com/drblury/orderflow/internal/runtime"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	"github.com/drblury/orderflow/internal/store"
)

// Producer name stamped on order.created headers.
const Producer = "intake"

// StatusReceived is the acknowledgement text returned for accepted orders.
const StatusReceived = "Order received"

// OrderRequest is the POST /orders body.
type OrderRequest struct {
	OrderID string   `json:"order_id"`
	UserID  string   `json:"user_id"`
	Items   []string `json:"items"`
	Total   *float64 `json:"total"`
}

// OrderResponse acknowledges an accepted order.
type OrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type orderData struct {
	Items []string `json:"items"`
	Total *float64 `json:"total"`
}

// Handler serves the intake endpoints.
type Handler struct {
	store    store.Store
	producer runtime.Producer
	logger   loggingpkg.ServiceLogger
	now      func() time.Time
	extra    []route
}

type route struct {
	pattern string
	handler http.Handler
}

// NewHandler wires the intake to its store and producer.
func NewHandler(st store.Store, producer runtime.Producer, logger loggingpkg.ServiceLogger) (*Handler, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if producer == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Handler{
		store:    st,
		producer: producer,
		logger:   logger.With(loggingpkg.LogFields{"component": Producer}),
		now:      time.Now,
	}, nil
}

// Handle mounts an additional handler, e.g. /metrics, next to the intake
// routes. It must be called before Routes.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.extra = append(h.extra, route{pattern: pattern, handler: handler})
}

// Routes returns the chi router serving POST /orders, GET /healthz and any
// handler added with Handle.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Post("/orders", h.createOrder)
	for _, rt := range h.extra {
		r.Handle(rt.pattern, rt.handler)
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createOrder stores the order then publishes order.created. A duplicate
// order id is not an error: the stored order is republished so a client
// retry after a failed publish completes the chain.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := jsoncodec.Decode(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}
	if msg := req.validate(); msg != "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: msg})
		return
	}

	fields := loggingpkg.LogFields{
		"order_id":   req.OrderID,
		"request_id": middleware.GetReqID(r.Context()),
	}

	rec, res, err := h.persist(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to store order", err, fields)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store order"})
		return
	}

	event, err := orderCreated(rec)
	if err != nil {
		h.logger.Error("Stored order is unreadable", err, fields)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store order"})
		return
	}

	md := metadatapkg.Metadata{metadatapkg.KeyProducer: Producer}
	if err := h.producer.PublishEvent(r.Context(), event, md); err != nil {
		h.logger.Error("Failed to publish order.created", err, fields)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "order stored but not published, retry the request"})
		return
	}

	h.logger.Info("Order received", fields.With("record", res.String()))
	writeJSON(w, http.StatusOK, OrderResponse{Status: StatusReceived, OrderID: req.OrderID})
}

func (h *Handler) persist(ctx context.Context, req OrderRequest) (store.Record, store.Result, error) {
	data, err := jsoncodec.Marshal(orderData{Items: req.Items, Total: req.Total})
	if err != nil {
		return store.Record{}, 0, err
	}
	return h.store.Persist(ctx, store.Record{
		Stage:     store.StageOrder,
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Status:    store.StatusPending,
		Data:      data,
		CreatedAt: h.now(),
	})
}

// orderCreated rebuilds the event from the stored order so a retry publishes
// what was stored first.
func orderCreated(rec store.Record) (envelope.Envelope, error) {
	var data orderData
	if err := jsoncodec.Unmarshal(rec.Data, &data); err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Envelope{
		Type:    envelope.OrderCreated,
		Version: envelope.CurrentVersion,
		OrderID: rec.OrderID,
		UserID:  rec.UserID,
		Items:   data.Items,
		Total:   data.Total,
	}, nil
}

func (r OrderRequest) validate() string {
	var missing []string
	if strings.TrimSpace(r.OrderID) == "" {
		missing = append(missing, "order_id")
	}
	if strings.TrimSpace(r.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return "missing required fields: " + strings.Join(missing, ", ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}

// Serve runs the intake on addr until ctx ends.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("Starting intake server", loggingpkg.LogFields{"address": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
