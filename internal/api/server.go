// Package api implements the HTTP surface: telemetry ingest, rule
// chain management, schedule introspection, metrics, and the live
// notification WebSocket.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/buildinfo"
	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/router"
	"github.com/aemos-iot/aemos-core/internal/schedule"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Repository is the slice of the store the API needs.
type Repository interface {
	CreateRuleChain(ctx context.Context, rc model.RuleChain) (model.RuleChain, error)
	CreateRuleChainNode(ctx context.Context, n model.RuleChainNode) (model.RuleChainNode, error)
	RuleChain(ctx context.Context, id int64) (model.RuleChain, error)
	RuleChains(ctx context.Context) ([]model.RuleChain, error)
	RuleChainNodes(ctx context.Context, chainID int64) ([]model.RuleChainNode, error)
	DeleteRuleChain(ctx context.Context, id int64) error
	UpdateChainSchedule(ctx context.Context, id int64, enabled bool, cronExpr, timezone string) error
}

// Dispatcher consumes classified inbound messages.
type Dispatcher interface {
	Route(ctx context.Context, msg protocol.Message) router.Result
}

// EngineControl is the engine surface the API drives.
type EngineControl interface {
	Submit(e engine.Event) error
	Breaker() *engine.Breaker
}

// ScheduleSync is the schedule manager surface the API drives.
type ScheduleSync interface {
	SyncNow(ctx context.Context) error
	Statuses() []schedule.Status
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	repo     Repository
	dispatch Dispatcher
	eng      EngineControl
	sched    ScheduleSync
	metrics  http.Handler
	ws       http.Handler
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server. metrics and ws may be nil to
// leave those endpoints unregistered.
func NewServer(address string, port int, repo Repository, dispatch Dispatcher, eng EngineControl, sched ScheduleSync, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		repo:     repo,
		dispatch: dispatch,
		eng:      eng,
		sched:    sched,
		logger:   logger,
	}
}

// SetMetricsHandler mounts the Prometheus scrape endpoint.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetWebSocketHandler mounts the live notification stream.
func (s *Server) SetWebSocketHandler(h http.Handler) {
	s.ws = h
}

// Handler builds the route table. Exposed separately from Start for
// httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ingest: the path after /ingest/ is a topic in the same grammar
	// the MQTT subscriber consumes.
	mux.HandleFunc("POST /ingest/{topic...}", s.handleIngest)

	// Rule chain management
	mux.HandleFunc("GET /api/v1/rulechains", s.handleChainList)
	mux.HandleFunc("POST /api/v1/rulechains", s.handleChainCreate)
	mux.HandleFunc("GET /api/v1/rulechains/{id}", s.handleChainGet)
	mux.HandleFunc("DELETE /api/v1/rulechains/{id}", s.handleChainDelete)
	mux.HandleFunc("PUT /api/v1/rulechains/{id}/schedule", s.handleChainSchedule)
	mux.HandleFunc("POST /api/v1/rulechains/{id}/trigger", s.handleChainTrigger)

	// Schedule manager
	mux.HandleFunc("GET /api/v1/schedules", s.handleScheduleList)
	mux.HandleFunc("POST /api/v1/schedules/sync", s.handleScheduleSync)

	// Engine introspection
	mux.HandleFunc("GET /api/v1/engine/breaker", s.handleBreaker)

	// Health endpoints
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"status": "error", "message": message}, s.logger)
}

// httpStatusFor maps router error codes onto HTTP statuses.
func httpStatusFor(code aemoserr.Code) int {
	switch code {
	case aemoserr.CodeAuthentication:
		return http.StatusUnauthorized
	case aemoserr.CodeDeviceNotFound:
		return http.StatusNotFound
	case aemoserr.CodeValidation, aemoserr.CodeInvalidOrgID, aemoserr.CodeUnknownMessageType:
		return http.StatusBadRequest
	case aemoserr.CodeBackpressureRejected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "AEMOS",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// handleIngest accepts device publishes over HTTP, sharing the router
// with the broker and CoAP paths.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}

	msg := protocol.NewMessage(protocol.ProtocolHTTP, topic, body, "", 0)
	msg.Query = r.URL.RawQuery

	res := s.dispatch.Route(r.Context(), msg)
	w.Header().Set("Content-Type", "application/json")
	if res.Status != "success" {
		w.WriteHeader(httpStatusFor(res.Code))
	}
	writeJSON(w, res, s.logger)
}

// chainPayload is the create-request shape: the chain plus its nodes.
type chainPayload struct {
	model.RuleChain
	Nodes []model.RuleChainNode `json:"nodes"`
}

func (s *Server) handleChainList(w http.ResponseWriter, r *http.Request) {
	chains, err := s.repo.RuleChains(r.Context())
	if err != nil {
		s.logger.Error("list rule chains", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list rule chains")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ruleChains": chains, "count": len(chains)}, s.logger)
}

func (s *Server) handleChainCreate(w http.ResponseWriter, r *http.Request) {
	var payload chainPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Name == "" || payload.OrganizationID == 0 {
		s.errorResponse(w, http.StatusBadRequest, "name and organizationId required")
		return
	}

	rc, err := s.repo.CreateRuleChain(r.Context(), payload.RuleChain)
	if err != nil {
		s.logger.Error("create rule chain", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "create rule chain")
		return
	}

	nodes := make([]model.RuleChainNode, 0, len(payload.Nodes))
	for _, n := range payload.Nodes {
		n.RuleChainID = rc.ID
		created, err := s.repo.CreateRuleChainNode(r.Context(), n)
		if err != nil {
			s.logger.Error("create rule chain node", "ruleChainId", rc.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "create rule chain node")
			return
		}
		nodes = append(nodes, created)
	}

	s.notifyChainChanged(rc.ID, rc.OrganizationID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, chainPayload{RuleChain: rc, Nodes: nodes}, s.logger)
}

func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chainID(w, r)
	if !ok {
		return
	}
	rc, err := s.repo.RuleChain(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		s.errorResponse(w, http.StatusNotFound, "rule chain not found")
		return
	}
	if err != nil {
		s.logger.Error("get rule chain", "ruleChainId", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get rule chain")
		return
	}
	nodes, err := s.repo.RuleChainNodes(r.Context(), id)
	if err != nil {
		s.logger.Error("get rule chain nodes", "ruleChainId", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get rule chain nodes")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chainPayload{RuleChain: rc, Nodes: nodes}, s.logger)
}

func (s *Server) handleChainDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chainID(w, r)
	if !ok {
		return
	}
	err := s.repo.DeleteRuleChain(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		s.errorResponse(w, http.StatusNotFound, "rule chain not found")
		return
	}
	if err != nil {
		s.logger.Error("delete rule chain", "ruleChainId", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "delete rule chain")
		return
	}

	if s.eng != nil {
		if err := s.eng.Submit(engine.Event{Kind: engine.KindRuleChainDeleted, RuleChainID: id}); err != nil {
			s.logger.Warn("rule chain delete event rejected", "ruleChainId", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// scheduleUpdate is the PUT body for schedule changes.
type scheduleUpdate struct {
	ScheduleEnabled bool   `json:"scheduleEnabled"`
	CronExpression  string `json:"cronExpression"`
	Timezone        string `json:"timezone"`
}

func (s *Server) handleChainSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chainID(w, r)
	if !ok {
		return
	}
	var upd scheduleUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Timezone == "" {
		upd.Timezone = "UTC"
	}

	err := s.repo.UpdateChainSchedule(r.Context(), id, upd.ScheduleEnabled, upd.CronExpression, upd.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		s.errorResponse(w, http.StatusNotFound, "rule chain not found")
		return
	}
	if err != nil {
		s.logger.Error("update chain schedule", "ruleChainId", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "update chain schedule")
		return
	}

	s.notifyChainChanged(id, 0)
	// The schedule manager reconciles on its next sync; trigger one now
	// so the change takes effect immediately.
	if s.sched != nil {
		if err := s.sched.SyncNow(r.Context()); err != nil {
			s.logger.Warn("schedule sync after update failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "success", "ruleChainId": id}, s.logger)
}

func (s *Server) handleChainTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chainID(w, r)
	if !ok {
		return
	}
	rc, err := s.repo.RuleChain(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		s.errorResponse(w, http.StatusNotFound, "rule chain not found")
		return
	}
	if err != nil {
		s.logger.Error("get rule chain", "ruleChainId", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get rule chain")
		return
	}

	if err := s.eng.Submit(engine.Event{
		Kind:           engine.KindManualTrigger,
		OrganizationID: rc.OrganizationID,
		RuleChainID:    id,
	}); err != nil {
		s.errorResponse(w, httpStatusFor(aemoserr.CodeOf(err)), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"status": "success", "ruleChainId": id}, s.logger)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	statuses := s.sched.Statuses()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"schedules": statuses, "count": len(statuses)}, s.logger)
}

func (s *Server) handleScheduleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.SyncNow(r.Context()); err != nil {
		s.logger.Error("schedule sync", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "schedule sync failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "success", "schedules": len(s.sched.Statuses())}, s.logger)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	snap := s.eng.Breaker().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"state":    snap.State.String(),
		"stateAge": snap.StateAge.String(),
		"warning":  snap.Warning,
		"critical": snap.Critical,
		"rejected": snap.Rejected,
	}, s.logger)
}

// notifyChainChanged tells the engine to reload one chain's definition.
func (s *Server) notifyChainChanged(id, orgID int64) {
	if s.eng == nil {
		return
	}
	if err := s.eng.Submit(engine.Event{
		Kind:           engine.KindRuleChainUpdated,
		OrganizationID: orgID,
		RuleChainID:    id,
	}); err != nil {
		s.logger.Warn("rule chain update event rejected", "ruleChainId", id, "error", err)
	}
}

func (s *Server) chainID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid rule chain id")
		return 0, false
	}
	return id, true
}
