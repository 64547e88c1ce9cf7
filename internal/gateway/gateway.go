package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/reconcile"
	"github.com/basket/go-conductor/internal/shared"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultListLimit    = 50
	maxListLimit        = 500
)

// Intake accepts raw inbound deliveries.
type Intake interface {
	HandleRaw(ctx context.Context, raw []byte) (engine.Receipt, error)
}

// Reconciler runs an on-demand reconcile pass.
type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.Report
}

// Pool reports active pool occupancy.
type Pool interface {
	ActiveCount() int
	MaxActive() int
}

// Breakers reports the agents that currently hold breaker state.
type Breakers interface {
	Active() []string
}

type Config struct {
	Intake     Intake
	Registry   *agent.Registry
	Pool       Pool
	Breakers   Breakers
	Reconciler Reconciler
	Policy     policy.Checker
	Bus        *bus.Bus
	Live       *config.Live
	Logger     *slog.Logger
	Tracer     trace.Tracer

	// AuthToken, when set, is required as a bearer token on every route
	// except /healthz.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string
	MaxBodyBytes int64
	RateLimit    config.RateLimitConfig
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		started: time.Now(),
	}
}

// Limiter exposes the rate limiter so the caller can start its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/agents", s.handleAPIAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleAPIAgent)
	mux.HandleFunc("GET /api/agents/{id}/events", s.handleAPIAgentEvents)
	mux.HandleFunc("POST /api/reconcile", s.handleAPIReconcile)
	return s.limiter.Wrap(s.requireAuth(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Registry.Store().CountByStatus(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": s.policyVersion(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Pool != nil {
		payload["active_agents"] = s.cfg.Pool.ActiveCount()
		payload["max_active"] = s.cfg.Pool.MaxActive()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleWebhook accepts one delivery. Dropped deliveries are answered 200 so
// the sender does not retry them; malformed ones 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway.webhook")
	defer span.End()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	receipt, err := s.cfg.Intake.HandleRaw(ctx, raw)
	var drop *ingest.DropError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"delivery_id": receipt.DeliveryID,
			"actions":     receipt.Actions,
			"trace_id":    shared.TraceID(ctx),
		})
	case errors.As(err, &drop) && drop.Reason == ingest.DropInvalid:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       drop.Detail,
			"delivery_id": drop.DeliveryID,
			"dropped":     drop.Reason,
		})
	case errors.As(err, &drop):
		writeJSON(w, http.StatusOK, map[string]any{"delivery_id": drop.DeliveryID, "dropped": drop.Reason})
	case errors.Is(err, engine.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "delivery_id": receipt.DeliveryID, "actions": receipt.Actions})
	default:
		s.logger.Error("webhook handling failed", "delivery_id", receipt.DeliveryID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "delivery_id": receipt.DeliveryID})
	}
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Registry.Store().CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{
		"agents_by_status": counts,
		"policy_version":   s.policyVersion(),
		"audit_decisions":  audit.Counts(),
	}
	if s.cfg.Live != nil {
		payload["config_hash"] = s.cfg.Live.Get().Fingerprint()
	}
	if s.cfg.Bus != nil {
		payload["bus_subscribers"] = s.cfg.Bus.SubscriberCount()
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}
	if s.cfg.Pool != nil {
		payload["active_agents"] = s.cfg.Pool.ActiveCount()
		payload["max_active"] = s.cfg.Pool.MaxActive()
	}
	if s.cfg.Breakers != nil {
		active := s.cfg.Breakers.Active()
		slices.Sort(active)
		payload["breaker_active"] = active
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := agent.Filter{
		OwnerKey: q.Get("owner"),
		Scope:    q.Get("scope"),
		Limit:    parseLimit(q.Get("limit")),
	}
	if v := q.Get("role"); v != "" {
		role, err := shared.ParseRole(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Role = role
	}
	for _, v := range q["status"] {
		for _, part := range strings.Split(v, ",") {
			st, err := persistence.ParseStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	records, err := s.cfg.Registry.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []persistence.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records})
}

func (s *Server) handleAPIAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIAgentEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Registry.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.cfg.Registry.Store().ListAgentEvents(r.Context(), id, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []persistence.AgentEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAPIReconcile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not configured")
		return
	}
	rep := s.cfg.Reconciler.RunOnce(r.Context())
	s.logger.Info("on-demand reconcile", "checked", rep.Checked, "corrections", len(rep.Corrections))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) policyVersion() string {
	if s.cfg.Policy == nil {
		return ""
	}
	return s.cfg.Policy.PolicyVersion()
}

func parseLimit(v string) int {
	limit := defaultListLimit
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		limit = min(n, maxListLimit)
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
