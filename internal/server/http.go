package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/model"
	"github.com/t77yq/agent-heartbeat/internal/service"
)

// Config configures the status API server
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	Gatherer        prometheus.Gatherer
}

// Server exposes agent status over HTTP
type Server struct {
	logger   *zap.Logger
	config   Config
	agents   *service.AgentService
	monitor  *heartbeat.Monitor
	srv      *http.Server
	hostStat func(ctx context.Context) (model.HostStats, error)
}

// New creates a status server
func New(config Config, agents *service.AgentService, logger *zap.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		logger:   logger.Named("http-server"),
		config:   config,
		agents:   agents,
		monitor:  agents.Monitor(),
		hostStat: collectHostStats,
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /overview", s.handleOverview)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleUnregisterAgent)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleForceHeartbeat)
	mux.HandleFunc("PATCH /agents/{id}/config", s.handleUpdateConfig)
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves HTTP until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("Status API listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Status API shutdown incomplete", zap.Error(err))
		}
	}()

	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// AgentView is the API representation of one agent
type AgentView struct {
	model.AgentRecord
	Metrics   model.AgentMetrics `json:"metrics"`
	Monitored bool               `json:"monitored"`
	Config    *heartbeat.Config  `json:"config,omitempty"`
}

// OverviewView is the API representation of the overview
type OverviewView struct {
	model.Overview
	Monitored int              `json:"monitored"`
	Host      *model.HostStats `json:"host,omitempty"`
}

type registerRequest struct {
	ID        string        `json:"id"`
	Endpoint  string        `json:"endpoint"`
	Heartbeat configRequest `json:"heartbeat"`
}

// configRequest carries overrides with durations as strings such as "10s"
type configRequest struct {
	Interval           *string  `json:"interval,omitempty"`
	Timeout            *string  `json:"timeout,omitempty"`
	RetryAttempts      *int     `json:"retry_attempts,omitempty"`
	BackoffMultiplier  *float64 `json:"backoff_multiplier,omitempty"`
	MaxBackoffInterval *string  `json:"max_backoff_interval,omitempty"`
	AdaptiveInterval   *bool    `json:"adaptive_interval,omitempty"`
	JitterPercentage   *float64 `json:"jitter_percentage,omitempty"`
}

func (c configRequest) partial() (heartbeat.PartialConfig, error) {
	p := heartbeat.PartialConfig{
		RetryAttempts:     c.RetryAttempts,
		BackoffMultiplier: c.BackoffMultiplier,
		AdaptiveInterval:  c.AdaptiveInterval,
		JitterPercentage:  c.JitterPercentage,
	}
	for _, d := range []struct {
		name string
		raw  *string
		dst  **time.Duration
	}{
		{"interval", c.Interval, &p.Interval},
		{"timeout", c.Timeout, &p.Timeout},
		{"max_backoff_interval", c.MaxBackoffInterval, &p.MaxBackoffInterval},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return heartbeat.PartialConfig{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = &parsed
	}
	return p, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	view := OverviewView{
		Overview:  s.monitor.GetOverview(),
		Monitored: len(s.monitor.Monitored()),
	}
	if host, err := s.hostStat(r.Context()); err == nil {
		view.Host = &host
	} else {
		s.logger.Debug("Failed to collect host stats", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records := s.monitor.Store().Records()
	views := make([]AgentView, 0, len(records))
	for _, rec := range records {
		view, err := s.agentView(rec.AgentID)
		if err != nil {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	view, err := s.agentView(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	overrides, err := req.Heartbeat.partial()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if err := s.agents.Register(r.Context(), req.ID, req.Endpoint, overrides); err != nil {
		s.writeError(w, err)
		return
	}

	view, err := s.agentView(req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Unregister(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.agents.Heartbeat(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": id,
		"status":   string(status),
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	overrides, err := req.partial()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	id := r.PathValue("id")
	if err := s.agents.Reconfigure(r.Context(), id, overrides); err != nil {
		s.writeError(w, err)
		return
	}

	view, err := s.agentView(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) agentView(id string) (AgentView, error) {
	rec, err := s.monitor.GetStatus(id)
	if err != nil {
		return AgentView{}, err
	}
	metrics, err := s.monitor.GetMetrics(id)
	if err != nil {
		return AgentView{}, err
	}

	view := AgentView{AgentRecord: rec, Metrics: metrics}
	if cfg, err := s.monitor.AgentConfig(id); err == nil {
		view.Monitored = true
		view.Config = &cfg
	}
	return view, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, heartbeat.ErrAgentNotFound), errors.Is(err, heartbeat.ErrAgentNotMonitored):
		status = http.StatusNotFound
	case errors.Is(err, heartbeat.ErrInvalidConfig), errors.Is(err, heartbeat.ErrEmptyAgentID),
		errors.Is(err, service.ErrUnsupportedEndpoint):
		status = http.StatusBadRequest
	case errors.Is(err, heartbeat.ErrMonitorClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// collectHostStats samples CPU usage since the previous call and current memory usage
func collectHostStats(ctx context.Context) (model.HostStats, error) {
	stats := model.HostStats{
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get memory usage: %w", err)
	}
	stats.MemoryUsage = memInfo.UsedPercent
	stats.MemoryTotal = memInfo.Total
	return stats, nil
}
