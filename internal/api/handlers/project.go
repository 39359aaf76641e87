package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/project"
	"github.com/anstrom/reconmap/internal/workspace"
)

// ProjectHandler exports, replaces and persists the project document.
type ProjectHandler struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(ws *workspace.Workspace, logger *logging.Logger) *ProjectHandler {
	return &ProjectHandler{ws: ws, logger: logger.WithComponent("project")}
}

// ProjectFileResponse reports a save or load of the project file.
type ProjectFileResponse struct {
	Path      string    `json:"path"`
	Loaded    bool      `json:"loaded"`
	Hosts     int       `json:"hosts"`
	Timestamp time.Time `json:"timestamp"`
}

// Export handles GET /project?format=json|yaml.
func (h *ProjectHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "yaml" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unsupported format: %s", format))
		return
	}

	doc, err := h.ws.Document(r.Context())
	if err != nil {
		handleError(w, r, err, "export", "project", h.logger)
		return
	}

	var buf bytes.Buffer
	contentType := "application/json"
	if format == "yaml" {
		contentType = "application/yaml"
		err = doc.EncodeYAML(&buf)
	} else {
		err = doc.Encode(&buf)
	}
	if err != nil {
		handleError(w, r, err, "encode", "project", h.logger)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.WithError(err).Debug("Failed to write project export")
	}
}

// Replace handles PUT /project. The body is a project document that
// replaces the whole session state.
func (h *ProjectHandler) Replace(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("request body is empty"))
		return
	}
	doc, err := project.Decode(r.Body)
	if err != nil {
		handleError(w, r, err, "decode", "project", h.logger)
		return
	}
	if err := h.ws.Apply(r.Context(), doc); err != nil {
		handleError(w, r, err, "apply", "project", h.logger)
		return
	}
	h.logger.Info("Project replaced", "request_id", getRequestIDFromContext(r.Context()), "hosts", len(doc.Hosts))
	writeJSON(w, r, http.StatusOK, ProjectFileResponse{Loaded: true, Hosts: len(doc.Hosts), Timestamp: time.Now().UTC()})
}

// Save handles POST /project/save. Only the configured path is written.
func (h *ProjectHandler) Save(w http.ResponseWriter, r *http.Request) {
	path := h.ws.ProjectPath()
	if path == "" {
		writeError(w, r, http.StatusConflict, errNoProjectPath)
		return
	}
	if err := h.ws.Save(r.Context(), path); err != nil {
		handleError(w, r, err, "save", "project", h.logger)
		return
	}
	hosts, err := h.ws.Dispatcher().Hosts(r.Context())
	if err != nil {
		handleError(w, r, err, "save", "project", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, ProjectFileResponse{Path: path, Hosts: len(hosts), Timestamp: time.Now().UTC()})
}

// Load handles POST /project/load. A missing file leaves the session as is
// and reports loaded=false.
func (h *ProjectHandler) Load(w http.ResponseWriter, r *http.Request) {
	path := h.ws.ProjectPath()
	if path == "" {
		writeError(w, r, http.StatusConflict, errNoProjectPath)
		return
	}
	loaded, err := h.ws.Load(r.Context(), path)
	if err != nil {
		handleError(w, r, err, "load", "project", h.logger)
		return
	}
	hosts, err := h.ws.Dispatcher().Hosts(r.Context())
	if err != nil {
		handleError(w, r, err, "load", "project", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, ProjectFileResponse{Path: path, Loaded: loaded, Hosts: len(hosts), Timestamp: time.Now().UTC()})
}
