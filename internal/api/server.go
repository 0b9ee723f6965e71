package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/inbox_hooks/internal/auth"
	"github.com/austindbirch/inbox_hooks/internal/delivery"
	"github.com/austindbirch/inbox_hooks/internal/health"
	"github.com/austindbirch/inbox_hooks/internal/logging"
	"github.com/austindbirch/inbox_hooks/internal/tracing"
	"github.com/austindbirch/inbox_hooks/internal/webhook"
)

const maxBodyBytes = 1 << 20

type MessageStore interface {
	InsertMessage(ctx context.Context, m delivery.Message) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message, recipientID string) (delivery.Report, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, limit int) (delivery.Report, error)
}

// EventPublisher hands message.created events to the queue instead of
// dispatching them in the request.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, m delivery.Message) error
}

// Authenticator puts the caller's user id on the request context.
type Authenticator interface {
	HTTPMiddleware(next http.Handler) http.Handler
}

type Options struct {
	Registry   *webhook.Registry
	Messages   MessageStore
	Dispatcher Dispatcher
	Publisher  EventPublisher // optional
	Sweeper    Sweeper
	Users      Authenticator
	Cron       *auth.CronAuthorizer
	Health     []health.Check
	Metrics    http.Handler // optional, served at /metrics
	Logger     *logging.Logger
}

// Server exposes webhook management and the internal delivery triggers over HTTP.
type Server struct {
	opts Options
	log  *logging.Logger
}

func NewServer(opts Options) *Server {
	if opts.Cron == nil {
		opts.Cron = auth.NewCronAuthorizer("")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Server{opts: opts, log: log}
}

// Router registers all routes on a new gorilla router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.HTTPHandler(s.opts.Health...)).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	internal := r.PathPrefix("/v1").Subrouter()
	internal.Use(s.opts.Cron.Middleware)
	internal.HandleFunc("/events", s.createEvent).Methods(http.MethodPost)
	internal.HandleFunc("/webhooks/deliveries/run", s.runDeliveries).Methods(http.MethodPost)

	users := r.PathPrefix("/v1/webhooks").Subrouter()
	if s.opts.Users != nil {
		users.Use(s.opts.Users.HTTPMiddleware)
	}
	users.HandleFunc("", s.listWebhooks).Methods(http.MethodGet)
	users.HandleFunc("", s.createWebhook).Methods(http.MethodPost)
	users.HandleFunc("/{id}", s.deleteWebhook).Methods(http.MethodDelete)
	users.HandleFunc("/{id}", s.updateWebhook).Methods(http.MethodPatch)
	users.HandleFunc("/{id}/deliveries", s.listDeliveries).Methods(http.MethodGet)
	return r
}

// Handler is the router wrapped in server-side tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "inbox-hooks",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

type eventResponse struct {
	MessageID  string `json:"messageId"`
	Queued     bool   `json:"queued,omitempty"`
	Deliveries int    `json:"deliveries"`
	Delivered  int    `json:"delivered"`
	Retrying   int    `json:"retrying"`
	Failed     int    `json:"failed"`
}

// createEvent stores a new message and fans it out. Fan-out problems never
// fail the request; they are logged and the message is still accepted.
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var m delivery.Message
	if err := decode(w, r, &m); err != nil || m.ToUserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	ctx := r.Context()
	tracing.AddSpanEvent(ctx, "event.accepted", attribute.String("message.id", m.ID))
	log := s.log.WithContext(ctx).WithMessage(m.ID).WithUser(m.ToUserID)

	if s.opts.Messages != nil {
		if err := s.opts.Messages.InsertMessage(ctx, m); err != nil {
			log.WithError(err).Error("failed to store message")
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
	}

	resp := eventResponse{MessageID: m.ID}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishMessageCreated(ctx, m); err != nil {
			log.WithError(err).Error("failed to enqueue message for fan-out")
		} else {
			resp.Queued = true
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	report, err := s.opts.Dispatcher.Dispatch(ctx, m, m.ToUserID)
	if err != nil {
		log.WithError(err).Error("webhook fan-out failed")
	}
	resp.Deliveries = report.Deliveries
	resp.Delivered = report.Delivered
	resp.Retrying = report.Retrying
	resp.Failed = report.Failed
	writeJSON(w, http.StatusOK, resp)
}

type sweepResponse struct {
	Processed int  `json:"processed"`
	Delivered int  `json:"delivered"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
}

func (s *Server) runDeliveries(w http.ResponseWriter, r *http.Request) {
	// a missing or invalid limit is left to the sweeper's configured default
	report, err := s.opts.Sweeper.Sweep(r.Context(), queryInt(r, "limit", 0))
	switch {
	case errors.Is(err, delivery.ErrSweepInProgress):
		writeJSON(w, http.StatusOK, sweepResponse{Skipped: true})
		return
	case err != nil:
		s.log.WithContext(r.Context()).WithError(err).Error("delivery sweep failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Processed: report.Deliveries,
		Delivered: report.Delivered,
		Retrying:  report.Retrying,
		Failed:    report.Failed,
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}
	hooks, err := s.opts.Registry.List(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []delivery.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}
	var req webhook.RegisterRequest
	if err := decode(w, r, &req); err != nil || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	reg, err := s.opts.Registry.Register(r.Context(), userID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}
	if err := s.opts.Registry.Delete(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(w, r, &body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	hook, err := s.opts.Registry.SetEnabled(r.Context(), userID, mux.Vars(r)["id"], *body.Enabled)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook": hook})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return
	}
	limit := queryInt(r, "limit", webhook.DefaultHistoryLimit)
	ds, err := s.opts.Registry.Deliveries(r.Context(), userID, mux.Vars(r)["id"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []delivery.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
}

// fail maps registry errors onto the public error codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, webhook.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid_url")
	case errors.Is(err, webhook.ErrInvalidSecret):
		writeError(w, http.StatusBadRequest, "invalid_secret")
	case errors.Is(err, delivery.ErrDuplicateWebhook):
		writeError(w, http.StatusConflict, "webhook_exists")
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// queryInt returns def for a missing, malformed or non-positive value.
func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
