package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/layout"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/registry"
	"github.com/anstrom/reconmap/internal/workspace"
)

// HostHandler handles host inventory requests.
type HostHandler struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// NewHostHandler creates a new host handler.
func NewHostHandler(ws *workspace.Workspace, logger *logging.Logger) *HostHandler {
	return &HostHandler{ws: ws, logger: logger.WithComponent("hosts")}
}

// HostResponse is a host as listed by the API.
type HostResponse struct {
	ID        string           `json:"id"`
	IP        string           `json:"ip"`
	Hostname  string           `json:"hostname"`
	Network   string           `json:"network"`
	OSName    string           `json:"os_name"`
	OSTag     inventory.OSTag  `json:"os_tag"`
	Notes     string           `json:"notes,omitempty"`
	Label     string           `json:"label"`
	Style     layout.Style     `json:"style"`
	OpenPorts int              `json:"open_ports"`
	Ports     []inventory.Port `json:"ports"`
}

// HostDetailResponse adds the raw evidence and the text card.
type HostDetailResponse struct {
	HostResponse
	RawOutput string `json:"raw_output"`
	Detail    string `json:"detail"`
}

// UpdateHostRequest is the body of PATCH /hosts/{id}. Absent fields are
// left unchanged.
type UpdateHostRequest struct {
	Hostname *string `json:"hostname,omitempty" validate:"omitempty,max=253"`
	OSTag    *string `json:"os_tag,omitempty" validate:"omitempty,oneof=windows linux macos bsd network unknown"`
	Notes    *string `json:"notes,omitempty" validate:"omitempty,max=4096"`
}

// HostIDsResponse lists the hosts touched by an operation.
type HostIDsResponse struct {
	HostIDs []string `json:"host_ids"`
	Count   int      `json:"count"`
}

// HostFilters narrow GET /hosts.
type HostFilters struct {
	Network string
	OSTag   inventory.OSTag
	Query   string
}

func hostToResponse(h *inventory.Host) HostResponse {
	ports := h.SortedPorts()
	open := 0
	for _, p := range ports {
		if strings.HasPrefix(p.State, "open") {
			open++
		}
	}
	for i := range ports {
		ports[i].Raw = ""
	}
	return HostResponse{
		ID:        h.ID,
		IP:        h.IP,
		Hostname:  h.Hostname,
		Network:   h.Network,
		OSName:    h.OSName,
		OSTag:     h.OSTag,
		Notes:     h.Notes,
		Label:     h.Label(),
		Style:     layout.StyleFor(h.OSTag),
		OpenPorts: open,
		Ports:     ports,
	}
}

func getHostFilters(r *http.Request) (HostFilters, error) {
	q := r.URL.Query()
	filters := HostFilters{
		Network: strings.TrimSpace(q.Get("network")),
		Query:   strings.ToLower(strings.TrimSpace(q.Get("q"))),
	}
	if raw := q.Get("os_tag"); raw != "" {
		tag, ok := inventory.ParseOSTag(raw)
		if !ok {
			return filters, fmt.Errorf("invalid os_tag: %s", raw)
		}
		filters.OSTag = tag
	}
	return filters, nil
}

func (f HostFilters) match(h *inventory.Host) bool {
	if f.Network != "" && h.Network != f.Network {
		return false
	}
	if f.OSTag != "" && h.OSTag != f.OSTag {
		return false
	}
	if f.Query != "" {
		hay := strings.ToLower(h.ID + " " + h.IP + " " + h.Hostname + " " + h.OSName + " " + h.Notes)
		if !strings.Contains(hay, f.Query) {
			return false
		}
	}
	return true
}

// ListHosts handles GET /hosts with optional network, os_tag and q filters.
func (h *HostHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	filters, err := getHostFilters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	hosts, err := h.ws.Dispatcher().Hosts(r.Context())
	if err != nil {
		handleError(w, r, err, "list", "hosts", h.logger)
		return
	}

	matched := make([]HostResponse, 0, len(hosts))
	for _, host := range hosts {
		if filters.match(host) {
			matched = append(matched, hostToResponse(host))
		}
	}
	writePaginatedResponse(w, r, paginate(matched, params), params, int64(len(matched)))
}

// GetHost handles GET /hosts/{id}.
func (h *HostHandler) GetHost(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	host, ok, err := h.ws.Dispatcher().Host(r.Context(), id)
	if err != nil {
		handleError(w, r, err, "get", "host", h.logger)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, errors.ErrHostNotFound(id))
		return
	}
	writeJSON(w, r, http.StatusOK, HostDetailResponse{
		HostResponse: hostToResponse(host),
		RawOutput:    host.RawOutput,
		Detail:       host.Detail(),
	})
}

// UpdateHost handles PATCH /hosts/{id}.
func (h *HostHandler) UpdateHost(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req UpdateHostRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	patch := registry.HostPatch{Hostname: req.Hostname, Notes: req.Notes}
	if req.OSTag != nil {
		tag, _ := inventory.ParseOSTag(*req.OSTag)
		patch.OSTag = &tag
	}

	host, err := h.ws.Dispatcher().Update(r.Context(), id, patch)
	if err != nil {
		handleError(w, r, err, "update", "host", h.logger)
		return
	}
	h.logger.Info("Host updated", "request_id", getRequestIDFromContext(r.Context()), "host_id", id)
	writeJSON(w, r, http.StatusOK, hostToResponse(host))
}

// DeleteHost handles DELETE /hosts/{id}.
func (h *HostHandler) DeleteHost(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	removed, err := h.ws.Dispatcher().Delete(r.Context(), id)
	if err != nil {
		handleError(w, r, err, "delete", "host", h.logger)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, errors.ErrHostNotFound(id))
		return
	}
	h.logger.Info("Host deleted", "request_id", getRequestIDFromContext(r.Context()), "host_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /hosts/reconcile. It folds imported hosts into the
// address keyed hosts and returns the ids that were removed.
func (h *HostHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	removed, err := h.ws.Dispatcher().Reconcile(r.Context())
	if err != nil {
		handleError(w, r, err, "reconcile", "hosts", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, idsResponse(removed))
}

// Resolve handles POST /hosts/resolve. It fills missing hostnames from
// reverse DNS and returns the ids that gained a name.
func (h *HostHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	renamed, err := h.ws.ResolveHostnames(r.Context())
	if err != nil {
		handleError(w, r, err, "resolve", "hostnames", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, idsResponse(renamed))
}

func idsResponse(ids []string) HostIDsResponse {
	if ids == nil {
		ids = []string{}
	}
	return HostIDsResponse{HostIDs: ids, Count: len(ids)}
}
