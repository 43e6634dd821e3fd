package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/health"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Server exposes the orchestrator REST API: operator CRUD for every entity
// plus the agent-facing endpoints.
type Server struct {
	engine *Engine
	router *mux.Router
	logger *logger.Logger
}

func NewServer(engine *Engine, log *logger.Logger) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		logger: log,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		})
	})
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}", s.handleStopJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{job_id}/tasks", s.handleListTasks).Methods(http.MethodGet)

	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}", s.handleStopTask).Methods(http.MethodDelete)

	api.HandleFunc("/pools", s.handleCreatePool).Methods(http.MethodPost)
	api.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	api.HandleFunc("/pools/{name}", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/pools/{name}", s.handleShutdownPool).Methods(http.MethodDelete)
	api.HandleFunc("/pools/{name}/nodes", s.handleListNodes).Methods(http.MethodGet)

	api.HandleFunc("/pools/{name}/scalesets", s.handleCreateScaleset).Methods(http.MethodPost)
	api.HandleFunc("/pools/{name}/scalesets", s.handleListScalesets).Methods(http.MethodGet)
	api.HandleFunc("/pools/{name}/scalesets/{scaleset_id}", s.handleGetScaleset).Methods(http.MethodGet)
	api.HandleFunc("/pools/{name}/scalesets/{scaleset_id}", s.handleResizeScaleset).Methods(http.MethodPatch)
	api.HandleFunc("/pools/{name}/scalesets/{scaleset_id}", s.handleShutdownScaleset).Methods(http.MethodDelete)

	api.HandleFunc("/nodes/{machine_id}", s.handleGetNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{machine_id}", s.handleShutdownNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{machine_id}/reimage", s.handleReimageNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{machine_id}/keep", s.handleKeepNode).Methods(http.MethodPost)

	api.HandleFunc("/proxies", s.handleCreateProxy).Methods(http.MethodPost)
	api.HandleFunc("/proxies/{region}", s.handleListProxies).Methods(http.MethodGet)
	api.HandleFunc("/proxies/{region}/{proxy_id}", s.handleStopProxy).Methods(http.MethodDelete)
	api.HandleFunc("/proxies/{region}/{proxy_id}/alive", s.handleProxyAlive).Methods(http.MethodPost)

	api.HandleFunc("/containers/{container}/files", s.handleFileAdded).Methods(http.MethodPost)

	api.HandleFunc("/webhooks", s.handleCreateWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{webhook_id}", s.handleGetWebhook).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{webhook_id}", s.handleUpdateWebhook).Methods(http.MethodPut)
	api.HandleFunc("/webhooks/{webhook_id}", s.handleDeleteWebhook).Methods(http.MethodDelete)
	api.HandleFunc("/webhooks/{webhook_id}/ping", s.handlePingWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/{webhook_id}/logs", s.handleWebhookLogs).Methods(http.MethodGet)

	api.HandleFunc("/notifications", s.handleCreateNotification).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{container}/{notification_id}", s.handleDeleteNotification).Methods(http.MethodDelete)

	api.HandleFunc("/instance_config", s.handleGetInstanceConfig).Methods(http.MethodGet)
	api.HandleFunc("/instance_config", s.handleUpdateInstanceConfig).Methods(http.MethodPost)

	agents := api.PathPrefix("/agents").Subrouter()
	agents.HandleFunc("/registration", s.handleRegisterNode).Methods(http.MethodPost)
	agents.HandleFunc("/heartbeat", s.handleAgentHeartbeat).Methods(http.MethodPost)
	agents.HandleFunc("/events", s.handleAgentEvent).Methods(http.MethodPost)
	agents.HandleFunc("/commands/{machine_id}", s.handleNodeCommands).Methods(http.MethodGet)
	agents.HandleFunc("/commands/{machine_id}/{message_id}", s.handleClaimCommand).Methods(http.MethodDelete)
	agents.HandleFunc("/can_schedule/{machine_id}/{task_id}", s.handleCanSchedule).Methods(http.MethodGet)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("encode response: %v", err)
	}
}

// writeError maps failures onto the wire. Structured errors keep their
// numeric code in the body; the HTTP status stays coarse.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var apiErr *models.Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == models.CodeInvalidPermission || apiErr.Code == models.CodeUnauthorized {
			status = http.StatusForbidden
		}
		s.writeJSON(w, status, apiErr)
	case errors.Is(err, storage.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, models.NewError(models.CodeUnableToFind, "not found"))
	case errors.Is(err, storage.ErrRowExists):
		s.writeJSON(w, http.StatusConflict, models.NewError(models.CodeUnableToCreate, "already exists"))
	case errors.Is(err, storage.ErrVersionMismatch):
		s.writeJSON(w, http.StatusConflict, models.NewError(models.CodeConcurrentModification, "concurrent modification"))
	default:
		s.logger.Errorf("internal error: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, models.NewError(models.CodeInvalidRequest, "internal error"))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, models.NewError(models.CodeInvalidRequest, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.engine.checker.RunCheck("engine", s.engine.CheckHealth)
	status := s.engine.checker.GetOverallStatus()
	code := http.StatusOK
	if status != health.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.engine.checker.GetAllChecks(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id":   s.engine.bus.InstanceID(),
		"instance_name": s.engine.bus.InstanceName(),
		"metrics":       s.engine.GetMetrics(),
	})
}
