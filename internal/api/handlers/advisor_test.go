package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/advisor/mocks"
)

func TestAdviseOffline(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)

	rec := httptest.NewRecorder()
	NewAdvisorHandler(env.ws, env.logger).Advise(rec, newRequest(http.MethodPost, "/api/v1/advise", AdviseRequest{Profiles: []string{"web"}}, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	advice := decodeBody[advisor.Advice](t, rec)
	assert.True(t, advice.Offline)
	assert.Equal(t, []string{"web"}, advice.Profiles)
	assert.Contains(t, advice.Text, "Nmap scan detected")
}

func TestAdviseDefaultsProfiles(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)

	rec := httptest.NewRecorder()
	NewAdvisorHandler(env.ws, env.logger).Advise(rec, httptest.NewRequest(http.MethodPost, "/api/v1/advise", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	advice := decodeBody[advisor.Advice](t, rec)
	assert.Equal(t, env.ws.Config().Advisor.Profiles, advice.Profiles)
}

func TestAdviseWithoutCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	NewAdvisorHandler(env.ws, env.logger).Advise(rec, httptest.NewRequest(http.MethodPost, "/api/v1/advise", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdviseOnline(t *testing.T) {
	ctrl := gomock.NewController(t)
	asker := mocks.NewMockAsker(ctrl)
	asker.EXPECT().Ask(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, messages []advisor.Message) (string, error) {
			require.NotEmpty(t, messages)
			assert.Equal(t, advisor.RoleSystem, messages[0].Role)
			return "enumerate the web server", nil
		})

	env := newTestEnvWithAsker(t, asker)
	env.scan(t)

	rec := httptest.NewRecorder()
	NewAdvisorHandler(env.ws, env.logger).Advise(rec, httptest.NewRequest(http.MethodPost, "/api/v1/advise", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	advice := decodeBody[advisor.Advice](t, rec)
	assert.False(t, advice.Offline)
	assert.Contains(t, advice.Text, "enumerate the web server")
}

func TestAdviseBackendFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	asker := mocks.NewMockAsker(ctrl)
	asker.EXPECT().Ask(gomock.Any(), gomock.Any()).Return("", stderrors.New("connection refused"))

	env := newTestEnvWithAsker(t, asker)
	env.scan(t)

	rec := httptest.NewRecorder()
	NewAdvisorHandler(env.ws, env.logger).Advise(rec, httptest.NewRequest(http.MethodPost, "/api/v1/advise", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChat(t *testing.T) {
	ctrl := gomock.NewController(t)
	asker := mocks.NewMockAsker(ctrl)
	asker.EXPECT().Ask(gomock.Any(), gomock.Any()).Return("try smbclient -L", nil)

	env := newTestEnvWithAsker(t, asker)
	h := NewAdvisorHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Chat(rec, newRequest(http.MethodPost, "/api/v1/chat", ChatRequest{Question: "what next?"}, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "try smbclient -L", decodeBody[ChatResponse](t, rec).Answer)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]advisor.Message](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, advisor.Message{Role: advisor.RoleUser, Content: "what next?"}, history[0])
	assert.Equal(t, advisor.RoleAssistant, history[1].Role)
}

func TestChatOffline(t *testing.T) {
	env := newTestEnv(t)
	h := NewAdvisorHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Chat(rec, newRequest(http.MethodPost, "/api/v1/chat", ChatRequest{Question: "hello"}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Chat(rec, newRequest(http.MethodPost, "/api/v1/chat", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPrompts(t *testing.T) {
	env := newTestEnv(t)
	h := NewAdvisorHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Prompts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prompts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[PromptsResponse](t, rec)
	assert.False(t, resp.Online)
	assert.Contains(t, resp.Profiles, advisor.ProfileWeb)

	rec = httptest.NewRecorder()
	h.SetPrompt(rec, newRequest(http.MethodPut, "/api/v1/prompts/cloud",
		PromptRequest{Prompt: "You specialize in cloud tenants."}, map[string]string{"profile": "cloud"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decodeBody[PromptsResponse](t, rec)
	assert.Contains(t, resp.Profiles, "cloud")
	assert.Equal(t, "You specialize in cloud tenants.", resp.Prompts["cloud"])

	rec = httptest.NewRecorder()
	h.SetPrompt(rec, newRequest(http.MethodPut, "/api/v1/prompts/cloud", `{"prompt":""}`, map[string]string{"profile": "cloud"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
