package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/tegrastats-web/internal/broadcast"
	"github.com/skobkin/tegrastats-web/internal/config"
	"github.com/skobkin/tegrastats-web/internal/device"
	"github.com/skobkin/tegrastats-web/internal/sampler"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
	"github.com/skobkin/tegrastats-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	serviceName       = "tegrastats-web"
)

// Sampler is the read side of the tegrastats supervisor.
type Sampler interface {
	Latest() (tegrastats.Snapshot, bool)
	State() sampler.State
	Stats() sampler.Stats
}

// Deps are the runtime components the server exposes.
type Deps struct {
	Device    device.Info
	Sampler   Sampler
	Hub       *broadcast.Broadcaster
	Admission *broadcast.Admission
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	device     device.Info
	sampler    Sampler
	hub        *broadcast.Broadcaster
	admission  *broadcast.Admission
	now        func() time.Time

	wsTotal   atomic.Uint64
	wsSent    atomic.Uint64
	wsDropped atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		device:    deps.Device,
		sampler:   deps.Sampler,
		hub:       deps.Hub,
		admission: deps.Admission,
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/cpu", s.sectionHandler("cpu", "CPU", func(snap tegrastats.Snapshot) any { return snap.CPU }))
	mux.HandleFunc("/api/memory", s.sectionHandler("memory", "Memory", func(snap tegrastats.Snapshot) any { return snap.Memory }))
	mux.HandleFunc("/api/temperature", s.sectionHandler("temperature", "Temperature", func(snap tegrastats.Snapshot) any { return snap.Temperature }))
	mux.HandleFunc("/api/power", s.sectionHandler("power", "Power", func(snap tegrastats.Snapshot) any { return snap.Power }))
	mux.HandleFunc("/api/gpu", s.sectionHandler("gpu", "GPU", func(snap tegrastats.Snapshot) any { return snap.GPU }))
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	logger := s.requestLogger(r)
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := healthResponse{
		Status:           "healthy",
		Service:          serviceName,
		Timestamp:        s.now().UTC(),
		ConnectedClients: s.admission.Count(),
		MaxClients:       s.admission.Max(),
		Sampler: samplerHealth{
			State: s.sampler.State().String(),
			Stats: s.sampler.Stats(),
		},
		Broadcaster: s.hub.Stats(),
	}

	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	s.writeJSON(w, r, http.StatusOK, s.device)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	snap, ok := s.sampler.Latest()
	if !ok {
		s.writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "No data available"})
		return
	}

	s.writeJSON(w, r, http.StatusOK, snap.Stamp(s.now()))
}

// sectionHandler serves one field group of the latest snapshot as
// {"<key>": ..., "timestamp": ...}.
func (s *Server) sectionHandler(key, title string, extract func(tegrastats.Snapshot) any) http.HandlerFunc {
	unavailable := errorResponse{Error: title + " data not available"}

	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}

		snap, ok := s.sampler.Latest()
		if !ok {
			s.writeJSON(w, r, http.StatusServiceUnavailable, unavailable)
			return
		}

		s.writeJSON(w, r, http.StatusOK, map[string]any{
			key:         extract(snap),
			"timestamp": s.now().UTC(),
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.requestLogger(r).Error("failed to encode response", "err", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	state := s.sampler.State()
	resp := readyResponse{
		SamplerState: state.String(),
	}

	if _, ok := s.sampler.Latest(); ok {
		resp.Status = "ok"
		return resp
	}

	switch state {
	case sampler.StateCrashed:
		resp.Status = "degraded"
		resp.Reason = "sampler_crashed"
	case sampler.StateStopped:
		resp.Status = "degraded"
		resp.Reason = "sampler_stopped"
	default:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	}
	return resp
}

type readyResponse struct {
	Status       string `json:"status"`
	SamplerState string `json:"sampler_state"`
	Reason       string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status           string          `json:"status"`
	Service          string          `json:"service"`
	Timestamp        time.Time       `json:"timestamp"`
	ConnectedClients int             `json:"connected_clients"`
	MaxClients       int             `json:"max_clients"`
	Sampler          samplerHealth   `json:"sampler"`
	Broadcaster      broadcast.Stats `json:"broadcaster"`
}

type samplerHealth struct {
	State string        `json:"state"`
	Stats sampler.Stats `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}
