package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/jobvisor/internal/api"
	"github.com/Paintersrp/jobvisor/internal/config"
	"github.com/Paintersrp/jobvisor/internal/control"
	"github.com/Paintersrp/jobvisor/internal/engine"
	"github.com/Paintersrp/jobvisor/internal/metrics"
)

const (
	defaultAddr            = "127.0.0.1:7663"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxCommandBytes        = 4 << 10
)

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	History           *api.History
	Listener          net.Listener
	Logger            *slog.Logger
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing supervisor controls.
type Server struct {
	ctrl            api.Controller
	history         *api.History
	logger          *slog.Logger
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if v := reflect.ValueOf(cfg.Controller); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, fmt.Errorf("controller is required, got nil %T", cfg.Controller)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := normalizeAddr(cfg.Addr)
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:            cfg.Controller,
		history:         cfg.History,
		logger:          logger.With("component", "api"),
		srv:             srv,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(mux)
	return server, nil
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		var err error
		if s.listener != nil {
			err = s.srv.Serve(s.listener)
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()

	s.logger.Info("control api listening", "addr", s.Addr())
	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/command", s.handleCommand)
	mux.HandleFunc("POST /api/v1/jobs/{name}/scale", s.handleScale)
	mux.HandleFunc("POST /api/v1/jobs/{name}/{action}", s.handleJobAction)
	mux.HandleFunc("POST /api/v1/{action}", s.handleAction)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := api.NewStatusReport(s.ctrl.Status(), s.history, time.Now())
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read body: %w", api.ErrInvalidRequest, err))
		return
	}
	if len(body) > maxCommandBytes {
		s.writeError(w, fmt.Errorf("%w: command exceeds %d bytes", api.ErrInvalidRequest, maxCommandBytes))
		return
	}
	line := strings.TrimSpace(string(body))
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, fmt.Errorf("%w: decode body: %w", api.ErrInvalidRequest, err))
			return
		}
		line = strings.TrimSpace(req.Command)
	}
	s.execute(w, r, line, nil)
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw := r.URL.Query().Get("count")
	count, err := strconv.Atoi(raw)
	if err != nil {
		s.writeErrorWithDetails(w, fmt.Errorf("%w: count must be an integer", api.ErrInvalidRequest), map[string]any{"job": name, "count": raw})
		return
	}
	s.run(w, r, control.Scale{Job: name, Count: count}, map[string]any{"job": name})
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cmd, err := jobCommand(r.PathValue("action"), name)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"job": name})
		return
	}
	s.run(w, r, cmd, map[string]any{"job": name})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	var cmd control.Command
	switch action {
	case "reload":
		cmd = control.Reload{}
	case "save":
		cmd = control.Save{}
	default:
		var err error
		cmd, err = jobCommand(action, "")
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.run(w, r, cmd, nil)
}

func jobCommand(action, name string) (control.Command, error) {
	switch action {
	case "start":
		return control.Start{Job: name}, nil
	case "stop":
		return control.Stop{Job: name}, nil
	case "kill":
		return control.Kill{Job: name}, nil
	case "restart":
		return control.Restart{Job: name}, nil
	default:
		return nil, fmt.Errorf("%w %q", api.ErrUnknownAction, action)
	}
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, line string, details map[string]any) {
	cmd, err := control.Parse(line)
	if err != nil {
		s.writeErrorWithDetails(w, err, details)
		return
	}
	s.run(w, r, cmd, details)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, cmd control.Command, details map[string]any) {
	result, err := control.Execute(r.Context(), s.ctrl, cmd)
	if err != nil {
		s.logger.WarnContext(r.Context(), "command failed", "command", cmd.String(), "err", err)
		s.writeErrorWithDetails(w, err, details)
		return
	}
	s.logger.DebugContext(r.Context(), "command executed", "command", cmd.String())
	payload := map[string]any{"result": result}
	if _, isStatus := cmd.(control.Status); isStatus {
		payload["status"] = api.NewStatusReport(result.Status, s.history, time.Now())
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		details[k] = v
	}
	body := errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
	s.writeJSON(w, status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, engine.ErrUnknownJob):
		return http.StatusNotFound, "unknown_job"
	case errors.Is(err, api.ErrUnknownAction):
		return http.StatusNotFound, "unknown_action"
	case errors.Is(err, control.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid_command"
	case errors.Is(err, config.ErrUnknownField):
		return http.StatusBadRequest, "unknown_field"
	case errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_config"
	case errors.Is(err, engine.ErrInvalidScale):
		return http.StatusBadRequest, "invalid_scale"
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrNoStore):
		return http.StatusConflict, "no_store"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
