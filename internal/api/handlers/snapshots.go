package handlers

import (
	"net/http"

	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/store"
	"github.com/anstrom/reconmap/internal/workspace"
)

// SnapshotHandler saves and restores inventory snapshots in the store.
type SnapshotHandler struct {
	ws     *workspace.Workspace
	store  *store.Store
	logger *logging.Logger
}

// NewSnapshotHandler creates a new snapshot handler. A nil store disables
// the endpoints.
func NewSnapshotHandler(ws *workspace.Workspace, st *store.Store, logger *logging.Logger) *SnapshotHandler {
	return &SnapshotHandler{ws: ws, store: st, logger: logger.WithComponent("snapshots")}
}

// CreateSnapshotRequest is the body of POST /snapshots.
type CreateSnapshotRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

// PruneSnapshotsRequest is the body of POST /snapshots/prune.
type PruneSnapshotsRequest struct {
	Name string `json:"name" validate:"required,max=128"`
	Keep int    `json:"keep" validate:"gte=0"`
}

// PruneSnapshotsResponse reports how many snapshots were removed.
type PruneSnapshotsResponse struct {
	Name    string `json:"name"`
	Removed int    `json:"removed"`
}

// RestoreResponse reports a restored snapshot.
type RestoreResponse struct {
	Snapshot store.SnapshotInfo `json:"snapshot"`
	Hosts    int                `json:"hosts"`
}

func (h *SnapshotHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errNoStore)
		return false
	}
	return true
}

// ListSnapshots handles GET /snapshots?limit=n, newest first.
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	infos, err := h.store.List(r.Context(), limit)
	if err != nil {
		handleError(w, r, err, "list", "snapshots", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, infos)
}

// CreateSnapshot handles POST /snapshots. It stores the current registry
// and transcript.
func (h *SnapshotHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	var req CreateSnapshotRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	st, err := h.ws.Dispatcher().State(r.Context())
	if err != nil {
		handleError(w, r, err, "capture", "session", h.logger)
		return
	}
	info, err := h.store.Save(r.Context(), req.Name, st.Registry, st.Transcript)
	if err != nil {
		handleError(w, r, err, "create", "snapshot", h.logger)
		return
	}
	writeJSON(w, r, http.StatusCreated, info)
}

// GetSnapshot handles GET /snapshots/{id}.
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	snap, err := h.store.Load(r.Context(), id.String())
	if err != nil {
		handleError(w, r, err, "get", "snapshot", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// RestoreSnapshot handles POST /snapshots/{id}/restore. The registry and
// transcript are replaced; the command log is kept.
func (h *SnapshotHandler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	snap, err := h.store.Load(r.Context(), id.String())
	if err != nil {
		handleError(w, r, err, "get", "snapshot", h.logger)
		return
	}

	d := h.ws.Dispatcher()
	st, err := d.State(r.Context())
	if err != nil {
		handleError(w, r, err, "capture", "session", h.logger)
		return
	}
	st.Registry = snap.Registry
	st.Transcript = snap.Transcript
	if err := d.Restore(r.Context(), st); err != nil {
		handleError(w, r, err, "restore", "snapshot", h.logger)
		return
	}

	h.logger.Info("Snapshot restored", "request_id", getRequestIDFromContext(r.Context()),
		"snapshot", snap.ID, "hosts", len(snap.Registry.Hosts))
	writeJSON(w, r, http.StatusOK, RestoreResponse{Snapshot: snap.SnapshotInfo, Hosts: len(snap.Registry.Hosts)})
}

// DeleteSnapshot handles DELETE /snapshots/{id}.
func (h *SnapshotHandler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.store.Delete(r.Context(), id.String()); err != nil {
		handleError(w, r, err, "delete", "snapshot", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PruneSnapshots handles POST /snapshots/prune.
func (h *SnapshotHandler) PruneSnapshots(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	var req PruneSnapshotsRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	removed, err := h.store.Prune(r.Context(), req.Name, req.Keep)
	if err != nil {
		handleError(w, r, err, "prune", "snapshots", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, PruneSnapshotsResponse{Name: req.Name, Removed: removed})
}
