// Package server exposes the filter and the usage action to an
// out-of-process host over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/action"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/conversation"
	"github.com/vnmchuo/usage-meter/internal/filter"
	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/status"
	"github.com/vnmchuo/usage-meter/pkg/ratelimit"
)

const (
	sessionHeader  = "X-Meter-Session"
	maxRequestBody = 32 << 20
)

type Handler struct {
	interceptor *filter.Interceptor
	query       *action.UsageQuery
	sessions    *SessionRegistry
	limiter     *ratelimit.Limiter
	log         *zap.Logger
}

// NewHandler wires the HTTP surface. limiter may be nil to disable the
// usage query throttle.
func NewHandler(interceptor *filter.Interceptor, query *action.UsageQuery, sessions *SessionRegistry, limiter *ratelimit.Limiter, log *zap.Logger) *Handler {
	return &Handler{
		interceptor: interceptor,
		query:       query,
		sessions:    sessions,
		limiter:     limiter,
		log:         log,
	}
}

type turnRequest struct {
	User      map[string]any  `json:"user"`
	Body      json.RawMessage `json:"body"`
	SessionID string          `json:"session_id,omitempty"`
}

type inletResponse struct {
	Body      json.RawMessage `json:"body,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type outletResponse struct {
	Body     json.RawMessage `json:"body"`
	Statuses []status.Status `json:"statuses"`
	Error    string          `json:"error,omitempty"`
}

type usageResponse struct {
	Outcome  action.Outcome  `json:"outcome"`
	TurnKey  string          `json:"turn_key,omitempty"`
	Statuses []status.Status `json:"statuses"`
}

// Routes builds the chi router with health, metrics and the host endpoints.
func (h *Handler) Routes(hostToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usage-meter"}`))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Host routes
	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(hostToken))
		r.Post("/v1/filter/inlet", h.HandleInlet)
		r.Post("/v1/filter/outlet", h.HandleOutlet)
		r.Post("/v1/actions/usage", h.HandleUsage)
	})
	return r
}

func (h *Handler) HandleInlet(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	sess, err := h.interceptor.Gate(r.Context(), filter.Turn{Body: req.Body, User: req.User})
	if sess.Proceeds() || sess.Outage {
		h.sessions.Put(sess)
	}
	if err != nil {
		writeJSON(w, gateStatus(err), inletResponse{SessionID: sess.ID, Error: err.Error()})
		return
	}

	w.Header().Set(sessionHeader, sess.ID)
	writeJSON(w, http.StatusOK, inletResponse{Body: req.Body, SessionID: sess.ID})
}

func (h *Handler) HandleOutlet(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	id := req.SessionID
	if id == "" {
		id = r.Header.Get(sessionHeader)
	}
	sess, found := h.sessions.Take(id)
	if !found {
		h.log.Debug("no live session for outlet, finalizing without timing",
			zap.String("session_id", id), zap.String("request_id", GetRequestID(r.Context())))
	}

	rec := &status.Recorder{}
	body, err := h.interceptor.Finalize(r.Context(), sess, filter.Turn{Body: req.Body, User: req.User}, rec)

	resp := outletResponse{Body: body, Statuses: rec.Statuses()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, h.throttleKey(req.User))
		if err != nil {
			h.log.Warn("usage query limiter failed", zap.Error(err))
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	rec := &status.Recorder{}
	res := h.query.Query(ctx, req.Body, rec)
	writeJSON(w, http.StatusOK, usageResponse{Outcome: res.Outcome, TurnKey: res.TurnKey, Statuses: rec.Statuses()})
}

// throttleKey picks the limiter bucket for a usage query. Users without a
// readable id share the "anonymous" bucket.
func (h *Handler) throttleKey(raw map[string]any) string {
	user, err := conversation.FlattenUser(raw)
	if err != nil {
		h.log.Warn("failed to read user for usage query throttle, using anonymous bucket", zap.Error(err))
	}
	if id := user.UserID(); id != "" {
		return id
	}
	return "anonymous"
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*turnRequest, bool) {
	var req turnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.Body) == 0 {
		writeError(w, http.StatusBadRequest, "missing body")
		return nil, false
	}
	return &req, true
}

func gateStatus(err error) int {
	var declined *billing.DeclinedError
	switch {
	case errors.Is(err, filter.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.As(err, &declined):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
