package handlers

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workspace"
)

// AdvisorHandler serves next-step advice, chat and profile prompts.
type AdvisorHandler struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// NewAdvisorHandler creates a new advisor handler.
func NewAdvisorHandler(ws *workspace.Workspace, logger *logging.Logger) *AdvisorHandler {
	return &AdvisorHandler{ws: ws, logger: logger.WithComponent("advisor")}
}

// AdviseRequest is the body of POST /advise. No profiles means the
// configured defaults.
type AdviseRequest struct {
	Profiles []string `json:"profiles,omitempty" validate:"omitempty,dive,required,max=64"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Question string `json:"question" validate:"required,max=8192"`
}

// ChatResponse carries the assistant answer.
type ChatResponse struct {
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// PromptRequest is the body of PUT /prompts/{profile}.
type PromptRequest struct {
	Prompt string `json:"prompt" validate:"required,max=16384"`
}

// PromptsResponse lists the profile prompts.
type PromptsResponse struct {
	Profiles []string          `json:"profiles"`
	Prompts  map[string]string `json:"prompts"`
	Online   bool              `json:"online"`
}

// Advise handles POST /advise. An empty body uses the default profiles.
func (h *AdvisorHandler) Advise(w http.ResponseWriter, r *http.Request) {
	var req AdviseRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if err := parseJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	advice, err := h.ws.Advise(r.Context(), req.Profiles)
	if err != nil {
		h.writeAdvisorError(w, r, err, "advise")
		return
	}
	writeJSON(w, r, http.StatusOK, advice)
}

// Chat handles POST /chat.
func (h *AdvisorHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	answer, err := h.ws.Chat(r.Context(), req.Question)
	if err != nil {
		h.writeAdvisorError(w, r, err, "chat")
		return
	}
	writeJSON(w, r, http.StatusOK, ChatResponse{Answer: answer, Timestamp: time.Now().UTC()})
}

// History handles GET /chat.
func (h *AdvisorHandler) History(w http.ResponseWriter, r *http.Request) {
	history := h.ws.Advisor().History()
	if history == nil {
		history = []advisor.Message{}
	}
	writeJSON(w, r, http.StatusOK, history)
}

// Prompts handles GET /prompts.
func (h *AdvisorHandler) Prompts(w http.ResponseWriter, r *http.Request) {
	a := h.ws.Advisor()
	writeJSON(w, r, http.StatusOK, PromptsResponse{
		Profiles: a.Profiles(),
		Prompts:  a.Prompts(),
		Online:   a.Online(),
	})
}

// SetPrompt handles PUT /prompts/{profile}.
func (h *AdvisorHandler) SetPrompt(w http.ResponseWriter, r *http.Request) {
	profile, err := extractStringFromPath(r, "profile")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var req PromptRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	h.ws.Advisor().SetPrompt(profile, req.Prompt)
	h.logger.Info("Profile prompt updated", "request_id", getRequestIDFromContext(r.Context()), "profile", profile)
	h.Prompts(w, r)
}

// writeAdvisorError reports backend failures as 502; errors with a known
// mapping keep it.
func (h *AdvisorHandler) writeAdvisorError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	if errors.GetCode(err) == errors.CodeUnknown && !stderrors.Is(err, advisor.ErrNoAsker) &&
		statusForError(err) == http.StatusInternalServerError {
		h.logger.WithError(err).Warn("Advisor backend failed", "operation", operation)
		writeError(w, r, http.StatusBadGateway, err)
		return
	}
	handleError(w, r, err, operation, "advisor", h.logger)
}
