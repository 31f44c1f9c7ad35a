// Package api exposes the agent's operational surface over HTTP: health,
// decision inspection, statistics, human approvals, Prometheus metrics and
// a live websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/medic-agent/medic/internal/config"
	"github.com/medic-agent/medic/internal/core"
	"github.com/medic-agent/medic/internal/events"
	"github.com/medic-agent/medic/internal/metrics"
	"github.com/medic-agent/medic/internal/orchestrator"
	"github.com/medic-agent/medic/internal/pending"
	"github.com/medic-agent/medic/internal/risk"
	"github.com/medic-agent/medic/internal/siem"
	"github.com/medic-agent/medic/internal/store"
)

// Version is reported by /health.
const Version = "0.2.0-alpha"

const (
	// recentLimit caps the /decisions/recent listing.
	recentLimit = 20

	// statsWindow is the aggregation window for /stats and module stats.
	statsWindow = 30 * 24 * time.Hour

	// statsTimeout bounds one statistics aggregation. The query runs on a
	// detached context so one impatient caller cannot poison the shared
	// singleflight result.
	statsTimeout = 10 * time.Second

	// siemProbeTimeout bounds the SIEM reachability probe in /health.
	siemProbeTimeout = 2 * time.Second

	// shutdownTimeout is how long in-flight requests get to drain.
	shutdownTimeout = 30 * time.Second

	maxPatchBytes = 1 << 20
)

// Approver advances a pending decision on a reviewer's behalf.
type Approver interface {
	Approve(ctx context.Context, killID string) (*core.OutcomeRecord, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Store    store.Store
	Queue    *pending.Queue
	Engine   *risk.Engine
	SIEM     siem.Client
	Approver Approver
	Hub      *events.Hub
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Server is the HTTP front of the agent. All state mutation goes through
// the orchestrator's approve path or the outcome store; the server itself
// holds nothing durable.
type Server struct {
	cfg     config.HTTPConfig
	mode    string
	siemOn  bool
	deps    Deps
	feed    *Feed
	limiter *rateLimiter
	logger  *zap.Logger
	started time.Time
	statsSF singleflight.Group
	srv     *http.Server
}

// NewServer wires the surface from validated configuration.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger.Named("api")
	s := &Server{
		cfg:     cfg.HTTP,
		mode:    cfg.Mode,
		siemOn:  cfg.SIEM.Enabled,
		deps:    deps,
		feed:    newFeed(deps.Hub, logger, deps.Metrics),
		limiter: newRateLimiter(cfg.HTTP.RateLimitPerMinute, logger),
		logger:  logger,
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Use(s.limiter.middleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/decisions/recent", s.handleRecentDecisions).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/modules/{module}", s.handleModuleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/events/ws", s.feed.handleWebSocket).Methods(http.MethodGet)

	// Mutating routes sit behind the API key check.
	r.Handle("/approve/{kill_id}",
		s.requireAPIKey(http.HandlerFunc(s.handleApprove))).Methods(http.MethodPost)
	r.Handle("/outcomes/{outcome_id}",
		s.requireAPIKey(http.HandlerFunc(s.handleUpdateOutcome))).Methods(http.MethodPatch)

	return r
}

// Run serves until ctx is canceled, then drains in-flight requests. The
// websocket feed and the rate-limit sweeper live and die with the same ctx.
func (s *Server) Run(ctx context.Context) error {
	go s.feed.run(ctx)
	go s.limiter.sweep(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	siemStatus := "disabled"
	if s.siemOn {
		pctx, cancel := context.WithTimeout(r.Context(), siemProbeTimeout)
		defer cancel()
		if err := s.deps.SIEM.HealthCheck(pctx); err != nil {
			siemStatus = "unreachable"
		} else {
			siemStatus = "ok"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"version":         Version,
		"mode":            s.mode,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"pending_reviews": s.deps.Queue.Len(),
		"siem":            siemStatus,
	})
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListRecent(r.Context(), recentLimit)
	if err != nil {
		s.storeError(w, "list recent outcomes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(recs),
		"decisions": recs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	v, err, _ := s.statsSF.Do("stats", func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), statsTimeout)
		defer cancel()
		return s.deps.Store.Statistics(sctx, statsWindow)
	})
	if err != nil {
		s.storeError(w, "aggregate statistics", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window_days":         int(statsWindow.Hours() / 24),
		"auto_min_confidence": s.deps.Engine.AutoMinConfidence(),
		"statistics":          v.(*store.Statistics),
	})
}

func (s *Server) handleModuleStats(w http.ResponseWriter, r *http.Request) {
	module := mux.Vars(r)["module"]
	if err := core.ValidateIdentifier("module", module); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ms, err := s.deps.Store.ModuleStats(r.Context(), module, statsWindow)
	if err != nil {
		s.storeError(w, "aggregate module statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	killID := mux.Vars(r)["kill_id"]
	if err := core.ValidateIdentifier("kill_id", killID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.deps.Approver.Approve(r.Context(), killID)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrNotPending):
		writeError(w, http.StatusNotFound, "no pending decision for "+killID)
		return
	case errors.Is(err, orchestrator.ErrInFlight):
		writeError(w, http.StatusConflict, "approval already in flight for "+killID)
		return
	case errors.Is(err, store.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "store busy, retry later")
		return
	default:
		s.logger.Error("approval failed", zap.String("kill_id", killID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "approval failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "approved",
		"kill_id": killID,
		"outcome": rec,
	})
}

func (s *Server) handleUpdateOutcome(w http.ResponseWriter, r *http.Request) {
	outcomeID := mux.Vars(r)["outcome_id"]
	if err := core.ValidateIdentifier("outcome_id", outcomeID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var updates map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes)).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if err := s.deps.Store.UpdateOutcome(r.Context(), outcomeID, updates); err != nil {
		s.storeError(w, "update outcome", err)
		return
	}

	rec, err := s.deps.Store.GetOutcome(r.Context(), outcomeID)
	if err != nil {
		s.storeError(w, "load updated outcome", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "updated",
		"outcome": rec,
	})
}

// ----------------------------------------------------------------------------
// Response helpers
// ----------------------------------------------------------------------------

// storeError maps outcome-store failures onto HTTP statuses. Unknown
// failures are logged here and surface as an opaque 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUnknownField):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "store busy, retry later")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here only truncates
	// the body.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
