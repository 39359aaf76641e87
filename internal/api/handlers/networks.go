package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/layout"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/services"
	"github.com/anstrom/reconmap/internal/workspace"
)

// NetworkHandler handles network summaries and the map layout.
type NetworkHandler struct {
	service *services.NetworkService
	ws      *workspace.Workspace
	logger  *logging.Logger
}

// NewNetworkHandler creates a new network handler.
func NewNetworkHandler(service *services.NetworkService, ws *workspace.Workspace, logger *logging.Logger) *NetworkHandler {
	return &NetworkHandler{service: service, ws: ws, logger: logger.WithComponent("networks")}
}

// LayoutHost is the drawing data of one marker.
type LayoutHost struct {
	Label string          `json:"label"`
	OSTag inventory.OSTag `json:"os_tag"`
	Style layout.Style    `json:"style"`
}

// LayoutResponse is a computed layout with per-host drawing data.
type LayoutResponse struct {
	*layout.Layout
	Hosts map[string]LayoutHost `json:"hosts"`
}

// HitResponse is the result of a pointer hit test.
type HitResponse struct {
	Hit    bool           `json:"hit"`
	Marker *layout.Marker `json:"marker,omitempty"`
	Host   *HostResponse  `json:"host,omitempty"`
}

// ListNetworks handles GET /networks.
func (h *NetworkHandler) ListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := h.service.ListNetworks(r.Context())
	if err != nil {
		handleError(w, r, err, "list", "networks", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, nets)
}

// GetNetwork handles GET /networks/{ref}. ref is a network id, a CIDR or
// any address in the network.
func (h *NetworkHandler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	ref, err := extractStringFromPath(r, "ref")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	network, err := h.service.GetNetwork(r.Context(), ref)
	if err != nil {
		handleError(w, r, err, "get", "network", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, network)
}

// GetNetworkStats handles GET /networks/stats.
func (h *NetworkHandler) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetNetworkStats(r.Context())
	if err != nil {
		handleError(w, r, err, "get", "network stats", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// Layout handles GET /layout?width=&height=. Sizes below the minimum canvas
// are clamped.
func (h *NetworkHandler) Layout(w http.ResponseWriter, r *http.Request) {
	width, height, err := getCanvasSize(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	lay, hosts, err := h.compute(r, width, height)
	if err != nil {
		handleError(w, r, err, "compute", "layout", h.logger)
		return
	}

	response := LayoutResponse{Layout: lay, Hosts: make(map[string]LayoutHost, len(hosts))}
	for id, host := range hosts {
		response.Hosts[id] = LayoutHost{Label: host.Label(), OSTag: host.OSTag, Style: layout.StyleFor(host.OSTag)}
	}
	writeJSON(w, r, http.StatusOK, response)
}

// Hit handles GET /layout/hit?x=&y=&width=&height=.
func (h *NetworkHandler) Hit(w http.ResponseWriter, r *http.Request) {
	width, height, err := getCanvasSize(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	x, errX := strconv.ParseFloat(r.URL.Query().Get("x"), 64)
	y, errY := strconv.ParseFloat(r.URL.Query().Get("y"), 64)
	if errX != nil || errY != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("x and y must be numbers"))
		return
	}

	lay, hosts, err := h.compute(r, width, height)
	if err != nil {
		handleError(w, r, err, "compute", "layout", h.logger)
		return
	}

	marker, ok := lay.Hit(x, y)
	if !ok {
		writeJSON(w, r, http.StatusOK, HitResponse{})
		return
	}
	response := HitResponse{Hit: true, Marker: &marker}
	if host, ok := hosts[marker.HostID]; ok {
		hr := hostToResponse(host)
		response.Host = &hr
	}
	writeJSON(w, r, http.StatusOK, response)
}

func (h *NetworkHandler) compute(r *http.Request, width, height float64) (*layout.Layout, map[string]*inventory.Host, error) {
	d := h.ws.Dispatcher()
	nets, err := d.Networks(r.Context())
	if err != nil {
		return nil, nil, err
	}
	list, err := d.Hosts(r.Context())
	if err != nil {
		return nil, nil, err
	}
	hosts := make(map[string]*inventory.Host, len(list))
	for _, host := range list {
		hosts[host.ID] = host
	}
	return layout.Compute(nets, width, height), hosts, nil
}

func getCanvasSize(r *http.Request) (width, height float64, err error) {
	parse := func(key string) (float64, error) {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid %s: %s", key, raw)
		}
		return v, nil
	}
	if width, err = parse("width"); err != nil {
		return 0, 0, err
	}
	if height, err = parse("height"); err != nil {
		return 0, 0, err
	}
	return width, height, nil
}
