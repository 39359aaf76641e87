package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/project"
)

func TestExportProject(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewProjectHandler(env.ws, env.logger)

	t.Run("json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Export(rec, httptest.NewRequest(http.MethodGet, "/api/v1/project", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		doc, err := project.Decode(rec.Body)
		require.NoError(t, err)
		assert.Len(t, doc.Hosts, 2)
		assert.Contains(t, doc.Networks, "10.0.0.0/24")
		assert.Contains(t, doc.TerminalTranscript, "web01")
		require.Len(t, doc.Commands, 1)
		assert.Equal(t, scanCommand, doc.Commands[0].Command)
	})

	t.Run("yaml", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Export(rec, httptest.NewRequest(http.MethodGet, "/api/v1/project?format=YAML", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
		var doc map[string]interface{}
		require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &doc))
		assert.Contains(t, doc, "hosts")
		assert.Contains(t, doc, "terminal_transcript")
	})

	t.Run("unsupported", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Export(rec, httptest.NewRequest(http.MethodGet, "/api/v1/project?format=xml", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReplaceProject(t *testing.T) {
	source := newTestEnv(t)
	source.scan(t)
	doc, err := source.ws.Document(testContext(t))
	require.NoError(t, err)
	var body bytes.Buffer
	require.NoError(t, doc.Encode(&body))

	env := newTestEnv(t)
	h := NewProjectHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Replace(rec, newRequest(http.MethodPut, "/api/v1/project", body.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[ProjectFileResponse](t, rec)
	assert.True(t, resp.Loaded)
	assert.Equal(t, 2, resp.Hosts)

	hosts, err := env.ws.Dispatcher().Hosts(testContext(t))
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
}

func TestReplaceProjectRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	h := NewProjectHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Replace(rec, newRequest(http.MethodPut, "/api/v1/project", "{not json", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Replace(rec, httptest.NewRequest(http.MethodPut, "/api/v1/project", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveAndLoadProject(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewProjectHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/api/v1/project/save", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody[ProjectFileResponse](t, rec)
	assert.Equal(t, env.ws.ProjectPath(), saved.Path)
	assert.Equal(t, 2, saved.Hosts)

	data, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "host_10.0.0.5"))

	removed, err := env.ws.Dispatcher().Delete(testContext(t), "host_10.0.0.5")
	require.NoError(t, err)
	require.True(t, removed)

	rec = httptest.NewRecorder()
	h.Load(rec, httptest.NewRequest(http.MethodPost, "/api/v1/project/load", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decodeBody[ProjectFileResponse](t, rec)
	assert.True(t, loaded.Loaded)
	assert.Equal(t, 2, loaded.Hosts)
}

func TestLoadMissingProjectFile(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	NewProjectHandler(env.ws, env.logger).Load(rec, httptest.NewRequest(http.MethodPost, "/api/v1/project/load", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[ProjectFileResponse](t, rec).Loaded)
}

func TestProjectWithoutPath(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Project.Path = "" })
	h := NewProjectHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/api/v1/project/save", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	h.Load(rec, httptest.NewRequest(http.MethodPost, "/api/v1/project/load", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
