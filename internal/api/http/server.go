package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appHealing "github.com/fleet-hub/fleet-hub/internal/application/healing"
	appHealth "github.com/fleet-hub/fleet-hub/internal/application/health"
	appRegistry "github.com/fleet-hub/fleet-hub/internal/application/registry"
	appRouter "github.com/fleet-hub/fleet-hub/internal/application/router"
	appScaling "github.com/fleet-hub/fleet-hub/internal/application/scaling"
	"github.com/fleet-hub/fleet-hub/internal/domain/agent"
	"github.com/fleet-hub/fleet-hub/internal/domain/job"
	"github.com/fleet-hub/fleet-hub/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	registrySvc *appRegistry.Service
	monitor     *appHealth.Monitor
	healer      *appHealing.Healer
	scaler      *appScaling.Scaler
	jobRouter   *appRouter.Router
	sseHub      *sse.Hub
	promReg     *prometheus.Registry
}

func NewServer(
	registrySvc *appRegistry.Service,
	monitor *appHealth.Monitor,
	healer *appHealing.Healer,
	scaler *appScaling.Scaler,
	jobRouter *appRouter.Router,
	sseHub *sse.Hub,
	promReg *prometheus.Registry,
) *Server {
	return &Server{
		registrySvc: registrySvc,
		monitor:     monitor,
		healer:      healer,
		scaler:      scaler,
		jobRouter:   jobRouter,
		sseHub:      sseHub,
		promReg:     promReg,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", s.getHealth)
			r.Get("/stale", s.listStale)
			r.Post("/check", s.runHealthCheck)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", s.registerAgent)
			r.Get("/", s.listAgents)
			r.Get("/{agentId}", s.getAgent)
			r.Post("/{agentId}/heartbeat", s.heartbeat)
			r.Post("/{agentId}/pause", s.pauseAgent)
			r.Post("/{agentId}/resume", s.resumeAgent)
			r.Post("/{agentId}/retire", s.retireAgent)
		})

		r.Route("/healing", func(r chi.Router) {
			r.Post("/run", s.runHealing)
			r.Get("/stats", s.healingStats)
		})

		r.Route("/scaling", func(r chi.Router) {
			r.Post("/run", s.runScaling)
			r.Get("/last", s.lastScalingDecision)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/metrics", s.jobMetrics)
			r.Get("/metrics/{zone}", s.zoneJobMetrics)
		})

		r.Get("/events", s.eventStream)
	})

	if s.promReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	return r
}

// Health handlers

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	last, ok := s.monitor.Latest()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "NO_CYCLE", "no health cycle has run yet")
		return
	}
	respondJSON(w, http.StatusOK, last)
}

func (s *Server) listStale(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registrySvc.StaleAgents(r.Context(), s.monitor.Threshold())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"threshold": s.monitor.Threshold().String(),
		"count":     len(agents),
		"agents":    agents,
	})
}

func (s *Server) runHealthCheck(w http.ResponseWriter, r *http.Request) {
	result, err := s.monitor.RunCycle(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Agent handlers

type registerAgentRequest struct {
	AgentID    string            `json:"agentId,omitempty"`
	Persona    string            `json:"persona"`
	Capability string            `json:"capability"`
	Zone       string            `json:"zone"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	a, err := s.registrySvc.Register(r.Context(), appRegistry.RegisterInput{
		AgentID:    req.AgentID,
		Persona:    agent.Persona(req.Persona),
		Capability: req.Capability,
		Zone:       agent.Zone(req.Zone),
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondAgentError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 1000)
	var filter agent.Filter
	if v := r.URL.Query().Get("zone"); v != "" {
		zone := agent.Zone(v)
		if !agent.ValidZone(zone) {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown zone")
			return
		}
		filter.Zone = &zone
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := agent.Status(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("persona"); v != "" {
		persona := agent.Persona(v)
		filter.Persona = &persona
	}
	agents, err := s.registrySvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(agents),
		"agents": agents,
	})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registrySvc.Get(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondAgentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	if err := s.registrySvc.Heartbeat(r.Context(), id); err != nil {
		respondAgentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agent_id": id, "status": "acknowledged"})
}

func (s *Server) pauseAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.registrySvc.Pause, "paused")
}

func (s *Server) resumeAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.registrySvc.Resume, "active")
}

func (s *Server) retireAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.registrySvc.Retire, "offline")
}

func (s *Server) transitionAgent(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, agentID string) error, resulting string) {
	id := chi.URLParam(r, "agentId")
	if err := op(r.Context(), id); err != nil {
		respondAgentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agent_id": id, "status": resulting})
}

// Healing handlers

func (s *Server) runHealing(w http.ResponseWriter, r *http.Request) {
	actions, err := s.healer.HealErrored(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(actions),
		"actions": actions,
	})
}

func (s *Server) healingStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid window")
			return
		}
		window = d
	}
	respondJSON(w, http.StatusOK, s.healer.Stats(window))
}

// Scaling handlers

func (s *Server) runScaling(w http.ResponseWriter, r *http.Request) {
	decision, err := s.scaler.RunCycle(r.Context())
	if err != nil && decision == nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) lastScalingDecision(w http.ResponseWriter, r *http.Request) {
	decision, ok := s.scaler.LastDecision()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no scaling cycle has run yet")
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// Job handlers

type submitJobRequest struct {
	Type        string            `json:"type"`
	Zone        string            `json:"zone"`
	AgentID     string            `json:"agentId,omitempty"`
	Priority    int               `json:"priority"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	MaxAttempts int               `json:"maxAttempts,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	j := &job.Job{
		Type:        job.Type(req.Type),
		Zone:        agent.Zone(req.Zone),
		AgentID:     req.AgentID,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		MaxAttempts: req.MaxAttempts,
	}
	if err := s.jobRouter.Submit(r.Context(), j); err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidPriority),
			errors.Is(err, job.ErrUnknownType),
			errors.Is(err, agent.ErrUnknownZone):
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": j.JobID,
		"zone":   j.Zone,
		"status": "queued",
	})
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	out, err := s.jobRouter.AllMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) zoneJobMetrics(w http.ResponseWriter, r *http.Request) {
	zone := agent.Zone(chi.URLParam(r, "zone"))
	if !agent.ValidZone(zone) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown zone")
		return
	}
	m, err := s.jobRouter.Metrics(r.Context(), zone)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// SSE

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := sse.NewClient(clientID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: "))
			_, _ = w.Write([]byte(msg.Kind))
			_, _ = w.Write([]byte("\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, agent.ErrDuplicateID):
		respondError(w, http.StatusConflict, "DUPLICATE_ID", err.Error())
	case errors.Is(err, agent.ErrAgentOffline):
		respondError(w, http.StatusConflict, "AGENT_OFFLINE", err.Error())
	case errors.Is(err, agent.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, agent.ErrZoneFull):
		respondError(w, http.StatusConflict, "ZONE_FULL", err.Error())
	case errors.Is(err, agent.ErrUnknownZone):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
