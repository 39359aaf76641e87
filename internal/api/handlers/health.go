// Package handlers provides HTTP request handlers for the reconmap API.
// This file implements health check and system status endpoints.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/scheduler"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
)

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
	readinessTimeout   = 10 * time.Second
	dependencyTimeout  = 3 * time.Second
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusDegraded      = "degraded"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	ws        *workspace.Workspace
	store     *store.Store
	scheduler *scheduler.Scheduler
	logger    *logging.Logger
	version   VersionInfo
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(
	ws *workspace.Workspace,
	st *store.Store,
	sched *scheduler.Scheduler,
	logger *logging.Logger,
	version VersionInfo,
) *HealthHandler {
	return &HealthHandler{
		ws:        ws,
		store:     st,
		scheduler: sched,
		logger:    logger.WithComponent("health"),
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo    `json:"service"`
	System    SystemInfo     `json:"system"`
	Session   SessionInfo    `json:"session"`
	Store     StoreInfo      `json:"store"`
	Health    HealthResponse `json:"health"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains system-related information.
type SystemInfo struct {
	OS           string     `json:"os"`
	Architecture string     `json:"architecture"`
	CPUs         int        `json:"cpus"`
	GoVersion    string     `json:"go_version"`
	Memory       MemoryInfo `json:"memory"`
	Goroutines   int        `json:"goroutines"`
}

// MemoryInfo contains memory usage information.
type MemoryInfo struct {
	Allocated   uint64 `json:"allocated_bytes"`
	TotalAlloc  uint64 `json:"total_alloc_bytes"`
	System      uint64 `json:"system_bytes"`
	GCCycles    uint32 `json:"gc_cycles"`
	HeapObjects uint64 `json:"heap_objects"`
}

// SessionInfo summarizes the live session.
type SessionInfo struct {
	Shell         string `json:"shell"`
	Hosts         int    `json:"hosts"`
	Networks      int    `json:"networks"`
	Running       int    `json:"running_commands"`
	Completed     int    `json:"completed_commands"`
	AdvisorOnline bool   `json:"advisor_online"`
	ProjectPath   string `json:"project_path,omitempty"`
	ScheduledJobs int    `json:"scheduled_jobs"`
	Error         string `json:"error,omitempty"`
}

// StoreInfo contains snapshot store information.
type StoreInfo struct {
	Configured   bool          `json:"configured"`
	Connected    bool          `json:"connected"`
	Driver       string        `json:"driver,omitempty"`
	ResponseTime time.Duration `json:"response_time_ms"`
	Error        string        `json:"error,omitempty"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health checks the dispatcher and the snapshot store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	h.logger.Debug("Health check requested", "remote_addr", r.RemoteAddr)

	response := h.getHealthInfo(ctx)

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Liveness check requested", "remote_addr", r.RemoteAddr)

	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Status provides detailed system status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	h.logger.Debug("Status check requested", "remote_addr", r.RemoteAddr)

	response := StatusResponse{
		Service: ServiceInfo{
			Name:      "reconmap",
			Version:   h.version.Version,
			StartTime: h.startTime,
			Uptime:    time.Since(h.startTime).String(),
			PID:       os.Getpid(),
		},
		System:    getSystemInfo(),
		Session:   h.getSessionInfo(ctx),
		Store:     h.getStoreInfo(ctx),
		Timestamp: time.Now().UTC(),
	}

	depCtx, depCancel := context.WithTimeout(ctx, dependencyTimeout)
	defer depCancel()
	response.Health = h.getHealthInfo(depCtx)

	writeJSON(w, r, http.StatusOK, response)
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   h.version.Version,
		Commit:    h.version.Commit,
		BuildTime: h.version.BuildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// getSystemInfo gathers system information.
func getSystemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		Memory: MemoryInfo{
			Allocated:   memStats.Alloc,
			TotalAlloc:  memStats.TotalAlloc,
			System:      memStats.Sys,
			GCCycles:    memStats.NumGC,
			HeapObjects: memStats.HeapObjects,
		},
		Goroutines: runtime.NumGoroutine(),
	}
}

func (h *HealthHandler) getSessionInfo(ctx context.Context) SessionInfo {
	d := h.ws.Dispatcher()
	info := SessionInfo{
		Shell:         h.ws.Shell(),
		AdvisorOnline: h.ws.Advisor().Online(),
		ProjectPath:   h.ws.ProjectPath(),
	}
	if h.scheduler != nil {
		info.ScheduledJobs = len(h.scheduler.GetJobs())
	}

	hosts, err := d.Hosts(ctx)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Hosts = len(hosts)
	if nets, err := d.Networks(ctx); err == nil {
		info.Networks = len(nets)
	}
	if n, err := d.Running(ctx); err == nil {
		info.Running = n
	}
	if cmds, err := d.Commands(ctx); err == nil {
		info.Completed = len(cmds)
	}
	return info
}

func (h *HealthHandler) getStoreInfo(ctx context.Context) StoreInfo {
	if h.store == nil {
		return StoreInfo{Error: StatusNotConfigured}
	}
	info := StoreInfo{Configured: true, Driver: h.store.DB().DriverName()}

	start := time.Now()
	err := h.store.Ping(ctx)
	info.ResponseTime = time.Since(start)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Connected = true
	return info
}

// getHealthInfo performs health checks and returns status.
func (h *HealthHandler) getHealthInfo(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	if _, err := h.ws.Dispatcher().Running(ctx); err != nil {
		response.Status = StatusUnhealthy
		response.Checks["dispatcher"] = "failed: " + err.Error()
		h.logger.Warn("Dispatcher health check failed", "error", err)
	} else {
		response.Checks["dispatcher"] = "ok"
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["store"] = "failed: " + err.Error()
			h.logger.Warn("Store health check failed", "error", err)
		} else {
			response.Checks["store"] = "ok"
		}
	} else {
		response.Checks["store"] = StatusNotConfigured
	}

	if h.ws.Resolver() != nil {
		response.Checks["resolver"] = "ok"
	} else {
		response.Checks["resolver"] = StatusNotConfigured
	}

	if h.ws.Advisor().Online() {
		response.Checks["advisor"] = "online"
	} else {
		response.Checks["advisor"] = "offline"
	}

	const maxGoroutines = 1000
	if runtime.NumGoroutine() > maxGoroutines {
		if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
		response.Checks["goroutines"] = "high count"
	} else {
		response.Checks["goroutines"] = "ok"
	}

	return response
}
