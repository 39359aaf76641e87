package handlers

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workspace"
)

// ImportHandler accepts nmap XML reports and saved text output.
type ImportHandler struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// NewImportHandler creates a new import handler.
func NewImportHandler(ws *workspace.Workspace, logger *logging.Logger) *ImportHandler {
	return &ImportHandler{ws: ws, logger: logger.WithComponent("imports")}
}

// ImportResponse reports the hosts committed by an import.
type ImportResponse struct {
	Source    string   `json:"source"`
	Committed int      `json:"committed"`
	HostIDs   []string `json:"host_ids"`
}

// ImportFailureResponse is returned when an import stops halfway. Hosts
// committed before the failure stay in the inventory unless the import was
// atomic.
type ImportFailureResponse struct {
	ErrorResponse
	ImportResponse
	Element string `json:"element,omitempty"`
	Index   int    `json:"index"`
}

// ImportXML handles POST /import. The body is an nmap XML report. ?atomic=true
// discards the whole report on failure and ?source names it in errors.
func (h *ImportHandler) ImportXML(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("request body is empty"))
		return
	}
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = "api"
	}

	res, err := h.ws.Import(r.Context(), r.Body, source, getQueryParamBool(r, "atomic"))
	response := ImportResponse{Source: source, Committed: res.Committed, HostIDs: res.HostIDs}
	if response.HostIDs == nil {
		response.HostIDs = []string{}
	}

	var ierr *errors.ImportError
	if stderrors.As(err, &ierr) {
		writeJSON(w, r, http.StatusUnprocessableEntity, ImportFailureResponse{
			ErrorResponse: ErrorResponse{
				Error:     http.StatusText(http.StatusUnprocessableEntity),
				Message:   ierr.Error(),
				Code:      string(ierr.Code),
				Timestamp: time.Now().UTC(),
				RequestID: getRequestIDFromContext(r.Context()),
			},
			ImportResponse: response,
			Element:        ierr.Element,
			Index:          ierr.Index,
		})
		return
	}
	if err != nil {
		handleError(w, r, err, "import", "report", h.logger)
		return
	}

	h.logger.InfoImport("Report imported", source,
		"request_id", getRequestIDFromContext(r.Context()), "hosts", res.Committed)
	writeJSON(w, r, http.StatusOK, response)
}

// ParseText handles POST /parse. The body is saved nmap text output.
func (h *ImportHandler) ParseText(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("request body is empty"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("request body is empty"))
		return
	}

	ids, err := h.ws.Dispatcher().ParseText(r.Context(), string(body))
	if err != nil {
		handleError(w, r, err, "parse", "output", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, idsResponse(ids))
}
