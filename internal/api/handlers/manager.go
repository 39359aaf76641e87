// Package handlers provides HTTP request handlers for the reconmap API.
// This package implements REST endpoint handlers for commands, the host
// inventory, network layouts, imports, advice, projects, snapshots and
// scheduled jobs.
package handlers

import (
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/scheduler"
	"github.com/anstrom/reconmap/internal/services"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Deps are the collaborators shared by the handler groups. Store and
// Scheduler are optional; their endpoints answer 503 when absent.
type Deps struct {
	Workspace *workspace.Workspace
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Logger    *logging.Logger
	Version   VersionInfo
}

// HandlerManager manages all API handlers and their dependencies.
type HandlerManager struct {
	deps Deps

	health    *HealthHandler
	commands  *CommandHandler
	hosts     *HostHandler
	networks  *NetworkHandler
	imports   *ImportHandler
	advisor   *AdvisorHandler
	project   *ProjectHandler
	snapshots *SnapshotHandler
	jobs      *JobHandler
	websocket *WebSocketHandler
}

// New creates a new handler manager with all handler groups initialized.
func New(deps Deps) *HandlerManager {
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscard()
	}
	ws, logger := deps.Workspace, deps.Logger

	return &HandlerManager{
		deps:      deps,
		health:    NewHealthHandler(ws, deps.Store, deps.Scheduler, logger, deps.Version),
		commands:  NewCommandHandler(ws, logger),
		hosts:     NewHostHandler(ws, logger),
		networks:  NewNetworkHandler(services.NewNetworkService(ws.Dispatcher()), ws, logger),
		imports:   NewImportHandler(ws, logger),
		advisor:   NewAdvisorHandler(ws, logger),
		project:   NewProjectHandler(ws, logger),
		snapshots: NewSnapshotHandler(ws, deps.Store, logger),
		jobs:      NewJobHandler(deps.Scheduler, logger),
		websocket: NewWebSocketHandler(ws.Dispatcher(), logger),
	}
}

// Health returns the health and status handlers.
func (hm *HandlerManager) Health() *HealthHandler { return hm.health }

// Commands returns the command handlers.
func (hm *HandlerManager) Commands() *CommandHandler { return hm.commands }

// Hosts returns the host inventory handlers.
func (hm *HandlerManager) Hosts() *HostHandler { return hm.hosts }

// Networks returns the network and layout handlers.
func (hm *HandlerManager) Networks() *NetworkHandler { return hm.networks }

// Imports returns the XML import and text parse handlers.
func (hm *HandlerManager) Imports() *ImportHandler { return hm.imports }

// Advisor returns the advice and chat handlers.
func (hm *HandlerManager) Advisor() *AdvisorHandler { return hm.advisor }

// Project returns the project document handlers.
func (hm *HandlerManager) Project() *ProjectHandler { return hm.project }

// Snapshots returns the snapshot store handlers.
func (hm *HandlerManager) Snapshots() *SnapshotHandler { return hm.snapshots }

// Jobs returns the scheduled job handlers.
func (hm *HandlerManager) Jobs() *JobHandler { return hm.jobs }

// WebSocket returns the live event handler.
func (hm *HandlerManager) WebSocket() *WebSocketHandler { return hm.websocket }

// Close stops background work owned by the handlers.
func (hm *HandlerManager) Close() {
	hm.websocket.Shutdown()
}

// GetLogger returns the logger instance.
func (hm *HandlerManager) GetLogger() *logging.Logger {
	return hm.deps.Logger
}
