package handlers

import (
	"net/http"
	"time"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workspace"
)

// CommandHandler runs shell commands and exposes the command log.
type CommandHandler struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ws *workspace.Workspace, logger *logging.Logger) *CommandHandler {
	return &CommandHandler{ws: ws, logger: logger.WithComponent("commands")}
}

// RunCommandRequest is the body of POST /commands.
type RunCommandRequest struct {
	Command string `json:"command" validate:"required,max=4096"`
}

// RunCommandResponse acknowledges a submitted command.
type RunCommandResponse struct {
	Token     string                       `json:"token"`
	Command   string                       `json:"command"`
	Submitted time.Time                    `json:"submitted"`
	Result    *dispatcher.CompletedCommand `json:"result,omitempty"`
}

// RunningResponse reports the commands still in flight.
type RunningResponse struct {
	Running int `json:"running"`
}

// TranscriptResponse carries the terminal transcript.
type TranscriptResponse struct {
	Transcript string `json:"transcript"`
	Length     int    `json:"length"`
}

// RunCommand handles POST /commands. The command is started and 202 is
// returned with its token; with ?wait=true the handler blocks until the
// command completes and returns its log entry.
func (h *CommandHandler) RunCommand(w http.ResponseWriter, r *http.Request) {
	var req RunCommandRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if !getQueryParamBool(r, "wait") {
		tok, err := h.ws.Submit(ctx, req.Command)
		if err != nil {
			handleError(w, r, err, "submit", "command", h.logger)
			return
		}
		h.logger.InfoCommand("Command submitted", req.Command,
			"request_id", getRequestIDFromContext(ctx), "token", tok)
		writeJSON(w, r, http.StatusAccepted, RunCommandResponse{
			Token:     string(tok),
			Command:   req.Command,
			Submitted: time.Now().UTC(),
		})
		return
	}

	tokens, err := h.ws.RunAndWait(ctx, req.Command)
	if err != nil {
		handleError(w, r, err, "run", "command", h.logger)
		return
	}
	response := RunCommandResponse{Token: string(tokens[0]), Command: req.Command, Submitted: time.Now().UTC()}
	cmds, err := h.ws.Dispatcher().Commands(ctx)
	if err != nil {
		handleError(w, r, err, "run", "command", h.logger)
		return
	}
	for i := range cmds {
		if cmds[i].Token == response.Token {
			response.Result = &cmds[i]
			break
		}
	}
	writeJSON(w, r, http.StatusOK, response)
}

// ListCommands handles GET /commands, oldest first.
func (h *CommandHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	cmds, err := h.ws.Dispatcher().Commands(r.Context())
	if err != nil {
		handleError(w, r, err, "list", "commands", h.logger)
		return
	}
	writePaginatedResponse(w, r, paginate(cmds, params), params, int64(len(cmds)))
}

// LastCommand handles GET /commands/last.
func (h *CommandHandler) LastCommand(w http.ResponseWriter, r *http.Request) {
	last, ok, err := h.ws.Dispatcher().LastCommand(r.Context())
	if err != nil {
		handleError(w, r, err, "get", "command", h.logger)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, errNoCommands)
		return
	}
	writeJSON(w, r, http.StatusOK, last)
}

// Running handles GET /commands/running.
func (h *CommandHandler) Running(w http.ResponseWriter, r *http.Request) {
	n, err := h.ws.Dispatcher().Running(r.Context())
	if err != nil {
		handleError(w, r, err, "count", "running commands", h.logger)
		return
	}
	writeJSON(w, r, http.StatusOK, RunningResponse{Running: n})
}

// Transcript handles GET /transcript. ?tail=n limits the response to the
// last n characters.
func (h *CommandHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	tail, err := getQueryParamInt(r, "tail", 0)
	if err != nil || tail < 0 {
		writeError(w, r, http.StatusBadRequest, errInvalidTail)
		return
	}
	transcript, err := h.ws.Dispatcher().Transcript(r.Context())
	if err != nil {
		handleError(w, r, err, "get", "transcript", h.logger)
		return
	}
	length := len(transcript)
	if tail > 0 {
		transcript = advisor.Tail(transcript, tail)
	}
	writeJSON(w, r, http.StatusOK, TranscriptResponse{Transcript: transcript, Length: length})
}
