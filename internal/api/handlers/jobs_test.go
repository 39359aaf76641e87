package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/scheduler"
)

func newTestScheduler(t *testing.T, env *testEnv, save scheduler.SaveFunc) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New(env.ws, save, 0, env.logger)
	t.Cleanup(sched.Stop)
	return sched
}

func TestJobsUnavailableWithoutScheduler(t *testing.T) {
	h := NewJobHandler(nil, newTestEnv(t).logger)

	rec := httptest.NewRecorder()
	h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetJobs(t *testing.T) {
	env := newTestEnv(t)
	sched := newTestScheduler(t, env, nil)
	job, err := sched.AddCommandJob("nightly", "@daily", "whoami")
	require.NoError(t, err)
	h := NewJobHandler(sched, env.logger)

	rec := httptest.NewRecorder()
	h.ListJobs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]scheduler.ScheduledJob](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Name)
	assert.Equal(t, "whoami", jobs[0].Command)
	assert.True(t, jobs[0].Enabled)

	rec = httptest.NewRecorder()
	h.GetJob(rec, newRequest(http.MethodGet, "/", nil, map[string]string{"id": job.ID.String()}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decodeBody[scheduler.ScheduledJob](t, rec).ID)

	rec = httptest.NewRecorder()
	h.GetJob(rec, newRequest(http.MethodGet, "/", nil, map[string]string{"id": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t)
	sched := newTestScheduler(t, env, nil)
	job, err := sched.AddCommandJob("nightly", "@daily", "whoami")
	require.NoError(t, err)
	h := NewJobHandler(sched, env.logger)

	rec := httptest.NewRecorder()
	h.RunJob(rec, newRequest(http.MethodPost, "/", nil, map[string]string{"id": job.ID.String()}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[scheduler.ScheduledJob](t, rec)
	assert.Equal(t, 1, got.Runs)
	assert.Empty(t, got.LastError)

	require.NoError(t, env.ws.Wait(testContext(t)))
	assert.Equal(t, []string{"whoami"}, env.starter.Started())
}

func TestRunJobFailure(t *testing.T) {
	env := newTestEnv(t)
	sched := newTestScheduler(t, env, func(context.Context) error { return stderrors.New("disk full") })
	job, err := sched.AddAutosaveJob("autosave", "@every 5m")
	require.NoError(t, err)
	h := NewJobHandler(sched, env.logger)

	rec := httptest.NewRecorder()
	h.RunJob(rec, newRequest(http.MethodPost, "/", nil, map[string]string{"id": job.ID.String()}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk full")

	rec = httptest.NewRecorder()
	h.RunJob(rec, newRequest(http.MethodPost, "/", nil, map[string]string{"id": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableJob(t *testing.T) {
	env := newTestEnv(t)
	sched := newTestScheduler(t, env, nil)
	job, err := sched.AddCommandJob("nightly", "@daily", "whoami")
	require.NoError(t, err)
	h := NewJobHandler(sched, env.logger)
	vars := map[string]string{"id": job.ID.String()}

	rec := httptest.NewRecorder()
	h.DisableJob(rec, newRequest(http.MethodPost, "/", nil, vars))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[scheduler.ScheduledJob](t, rec).Enabled)

	// A disabled job is skipped without error.
	rec = httptest.NewRecorder()
	h.RunJob(rec, newRequest(http.MethodPost, "/", nil, vars))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[scheduler.ScheduledJob](t, rec).Runs)

	rec = httptest.NewRecorder()
	h.EnableJob(rec, newRequest(http.MethodPost, "/", nil, vars))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[scheduler.ScheduledJob](t, rec).Enabled)

	rec = httptest.NewRecorder()
	h.EnableJob(rec, newRequest(http.MethodPost, "/", nil, map[string]string{"id": "bad"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
