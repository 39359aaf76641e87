// Package api provides the HTTP REST API of reconmap. It exposes the live
// session: commands and their output, the host inventory, the network map,
// imports, advice, the project document, snapshots and scheduled jobs.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/reconmap/internal/api/handlers"
	"github.com/anstrom/reconmap/internal/api/middleware"
	"github.com/anstrom/reconmap/internal/auth"
	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/metrics"
	"github.com/anstrom/reconmap/internal/scheduler"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
)

// Server timeout constants.
const (
	defaultShutdownTimeout = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
	idleTimeout            = 120 * time.Second
	maxHeaderBytes         = 1 << 20
)

// Bodies accepted by write endpoints.
var allowedContentTypes = []string{
	"application/json",
	"application/xml",
	"text/xml",
	"text/plain",
	"application/octet-stream",
}

// Options are the optional collaborators of the server.
type Options struct {
	Store      *store.Store
	Scheduler  *scheduler.Scheduler
	Prometheus *metrics.PrometheusMetrics
	// Metrics records HTTP requests. It defaults to Prometheus when set.
	Metrics metrics.Recorder
	Logger  *logging.Logger
	Version apihandlers.VersionInfo
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	manager    *apihandlers.HandlerManager
	prometheus *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time

	// ctx bounds background middleware work such as rate limiter cleanup.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	stopErr  error
}

// New creates a new API server instance serving ws.
func New(cfg *config.Config, ws *workspace.Workspace, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "configuration is required", "config", nil)
	}
	if ws == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "workspace is required", "workspace", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	rec := opts.Metrics
	if rec == nil && opts.Prometheus != nil {
		rec = opts.Prometheus
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:     mux.NewRouter(),
		config:     cfg,
		prometheus: opts.Prometheus,
		logger:     logger.WithComponent("api"),
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.manager = apihandlers.New(apihandlers.Deps{
		Workspace: ws,
		Store:     opts.Store,
		Scheduler: opts.Scheduler,
		Logger:    logger,
		Version:   opts.Version,
	})

	api := s.setupRoutes()
	s.setupMiddleware(api, metrics.OrNop(rec))

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		// No WriteTimeout: WebSocket streams are long lived. Handlers are
		// bounded by the request timeout middleware instead.
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return s, nil
}

// Start listens and serves until ctx ends or the server fails. It returns
// nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	tlsCfg := s.config.API.TLS
	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"tls", tlsCfg.Enabled)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg.Enabled {
			err = s.httpServer.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if ok && err != nil {
			_ = s.Stop()
			return err
		}
		return nil
	}
}

// Stop gracefully stops the API server. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping API server")

		timeout := s.config.API.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.manager.Close()
		s.cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("API server shutdown error", "error", err)
			s.stopErr = fmt.Errorf("server shutdown failed: %w", err)
			return
		}
		s.logger.Info("API server stopped successfully")
	})
	return s.stopErr
}

// setupRoutes configures all API routes and returns the /api/v1 subrouter.
func (s *Server) setupRoutes() *mux.Router {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	hm := s.manager

	// Health and status endpoints
	health := hm.Health()
	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	// Commands and transcript
	commands := hm.Commands()
	api.HandleFunc("/commands", commands.RunCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands", commands.ListCommands).Methods(http.MethodGet)
	api.HandleFunc("/commands/last", commands.LastCommand).Methods(http.MethodGet)
	api.HandleFunc("/commands/running", commands.Running).Methods(http.MethodGet)
	api.HandleFunc("/transcript", commands.Transcript).Methods(http.MethodGet)

	// Host inventory
	hosts := hm.Hosts()
	api.HandleFunc("/hosts", hosts.ListHosts).Methods(http.MethodGet)
	api.HandleFunc("/hosts/reconcile", hosts.Reconcile).Methods(http.MethodPost)
	api.HandleFunc("/hosts/resolve", hosts.Resolve).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{id}", hosts.GetHost).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}", hosts.UpdateHost).Methods(http.MethodPatch)
	api.HandleFunc("/hosts/{id}", hosts.DeleteHost).Methods(http.MethodDelete)

	// Networks and layout
	networks := hm.Networks()
	api.HandleFunc("/networks", networks.ListNetworks).Methods(http.MethodGet)
	api.HandleFunc("/networks/stats", networks.GetNetworkStats).Methods(http.MethodGet)
	api.HandleFunc("/networks/{ref:.+}", networks.GetNetwork).Methods(http.MethodGet)
	api.HandleFunc("/layout", networks.Layout).Methods(http.MethodGet)
	api.HandleFunc("/layout/hit", networks.Hit).Methods(http.MethodGet)

	// Imports
	imports := hm.Imports()
	api.HandleFunc("/import", imports.ImportXML).Methods(http.MethodPost)
	api.HandleFunc("/parse", imports.ParseText).Methods(http.MethodPost)

	// Advisor
	adv := hm.Advisor()
	api.HandleFunc("/advise", adv.Advise).Methods(http.MethodPost)
	api.HandleFunc("/chat", adv.Chat).Methods(http.MethodPost)
	api.HandleFunc("/chat", adv.History).Methods(http.MethodGet)
	api.HandleFunc("/prompts", adv.Prompts).Methods(http.MethodGet)
	api.HandleFunc("/prompts/{profile}", adv.SetPrompt).Methods(http.MethodPut)

	// Project document
	proj := hm.Project()
	api.HandleFunc("/project", proj.Export).Methods(http.MethodGet)
	api.HandleFunc("/project", proj.Replace).Methods(http.MethodPut)
	api.HandleFunc("/project/save", proj.Save).Methods(http.MethodPost)
	api.HandleFunc("/project/load", proj.Load).Methods(http.MethodPost)

	// Snapshots
	snaps := hm.Snapshots()
	api.HandleFunc("/snapshots", snaps.ListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", snaps.CreateSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/prune", snaps.PruneSnapshots).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{id}", snaps.GetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{id}", snaps.DeleteSnapshot).Methods(http.MethodDelete)
	api.HandleFunc("/snapshots/{id}/restore", snaps.RestoreSnapshot).Methods(http.MethodPost)

	// Scheduled jobs
	jobs := hm.Jobs()
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", jobs.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/run", jobs.RunJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/enable", jobs.EnableJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/disable", jobs.DisableJob).Methods(http.MethodPost)

	// Live events
	api.HandleFunc("/ws", hm.WebSocket().Events).Methods(http.MethodGet)

	// Prometheus scrape endpoint, outside the authenticated API
	if s.prometheus != nil {
		s.router.Handle("/metrics", s.prometheus.Handler()).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)

	return api
}

// setupMiddleware configures middleware for the API server. Request scoped
// middleware runs on the API subrouter; logging, recovery and headers wrap
// the whole router.
func (s *Server) setupMiddleware(api *mux.Router, rec metrics.Recorder) {
	apiCfg := s.config.API

	api.Use(middleware.Metrics(rec))
	if apiCfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(s.ctx, apiCfg.RateLimit.Requests, apiCfg.RateLimit.Window, s.logger))
	}
	api.Use(middleware.Authentication(auth.NewKeyRing(apiCfg.Keys), s.logger))
	api.Use(middleware.ContentType(allowedContentTypes...))
	api.Use(middleware.MaxBytes(apiCfg.MaxRequestSize))
	api.Use(middleware.RequestTimeout(apiCfg.RequestTimeout))

	var h http.Handler = s.router
	if apiCfg.CORS.Enabled {
		h = handlers.CORS(
			handlers.AllowedOrigins(apiCfg.CORS.AllowedOrigins),
			handlers.AllowedMethods(apiCfg.CORS.AllowedMethods),
			handlers.AllowedHeaders(apiCfg.CORS.AllowedHeaders),
		)(h)
	}
	h = middleware.SecurityHeaders()(h)
	h = middleware.Logging(s.logger)(h)
	s.handler = middleware.Recovery(s.logger)(h)
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"liveness": "/api/v1/liveness",
		"health":   "/api/v1/health",
		"status":   "/api/v1/status",
		"hosts":    "/api/v1/hosts",
		"events":   "/api/v1/ws",
	}
	if s.prometheus != nil {
		endpoints["metrics"] = "/metrics"
	}
	s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "reconmap API",
		"version":   "v1",
		"endpoints": endpoints,
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.WriteJSON(w, r, statusCode, ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// WriteJSON writes a JSON response.
func (s *Server) WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "request_id", middleware.GetRequestID(r), "error", err)
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the listening address once started, else the
// configured one.
func (s *Server) GetAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// IsRunning checks if the server is accepting connections.
func (s *Server) IsRunning() bool {
	conn, err := net.DialTimeout("tcp", s.GetAddress(), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
