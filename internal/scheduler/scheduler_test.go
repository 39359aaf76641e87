package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/runner"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	commands []string
	err      error
}

func (r *recordingSubmitter) Submit(_ context.Context, command string) (runner.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.commands = append(r.commands, command)
	return runner.NewToken(), nil
}

func (r *recordingSubmitter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func TestAddCommandJob(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(sub, nil, 0, nil)

	job, err := s.AddCommandJob("nightly", "0 2 * * *", "  nmap -sV 10.0.0.0/24  ")
	require.NoError(t, err)
	assert.Equal(t, JobTypeCommand, job.Type)
	assert.Equal(t, "nmap -sV 10.0.0.0/24", job.Command)
	assert.True(t, job.Enabled)
	assert.True(t, job.NextRun.After(time.Now()))

	require.NoError(t, s.RunNow(job.ID))
	assert.Equal(t, []string{"nmap -sV 10.0.0.0/24"}, sub.submitted())

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Runs)
	assert.False(t, got.Running)
	assert.False(t, got.LastRun.IsZero())
}

func TestAddJobValidation(t *testing.T) {
	s := New(&recordingSubmitter{}, nil, 0, nil)

	_, err := s.AddCommandJob("bad", "not a cron", "ls")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	_, err = s.AddCommandJob("empty", "@hourly", "   ")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	_, err = s.AddCommandJob("", "@hourly", "ls")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	_, err = New(nil, nil, 0, nil).AddCommandJob("x", "@hourly", "ls")
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))

	_, err = s.AddAutosaveJob("autosave", "@every 5m")
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))

	assert.Empty(t, s.GetJobs())
}

func TestAutosaveJobRecordsErrors(t *testing.T) {
	var calls int32
	boom := stderrors.New("disk full")
	s := New(nil, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "runs are bounded by the job timeout")
		if atomic.AddInt32(&calls, 1) == 1 {
			return boom
		}
		return nil
	}, time.Second, nil)

	job, err := s.AddAutosaveJob("autosave", "@every 5m")
	require.NoError(t, err)

	assert.ErrorIs(t, s.RunNow(job.ID), boom)
	got, _ := s.GetJob(job.ID)
	assert.Equal(t, "disk full", got.LastError)

	require.NoError(t, s.RunNow(job.ID))
	got, _ = s.GetJob(job.ID)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 2, got.Runs)
}

func TestDisabledJobIsSkipped(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(sub, nil, 0, nil)

	job, err := s.AddCommandJob("x", "@hourly", "whoami")
	require.NoError(t, err)
	require.NoError(t, s.DisableJob(job.ID))

	require.NoError(t, s.RunNow(job.ID))
	assert.Empty(t, sub.submitted())

	require.NoError(t, s.EnableJob(job.ID))
	require.NoError(t, s.RunNow(job.ID))
	assert.Len(t, sub.submitted(), 1)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int32
	s := New(nil, func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}, time.Second, nil)

	job, err := s.AddAutosaveJob("slow", "@hourly")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.RunNow(job.ID) }()
	<-entered

	require.NoError(t, s.RunNow(job.ID))
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoveAndUnknownJobs(t *testing.T) {
	s := New(&recordingSubmitter{}, nil, 0, nil)
	job, err := s.AddCommandJob("x", "@hourly", "id")
	require.NoError(t, err)

	require.NoError(t, s.RemoveJob(job.ID))
	assert.ErrorIs(t, s.RemoveJob(job.ID), ErrJobNotFound)
	assert.ErrorIs(t, s.EnableJob(uuid.New()), ErrJobNotFound)
	assert.ErrorIs(t, s.RunNow(uuid.New()), ErrJobNotFound)
	_, err = s.GetJob(uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAddFromConfig(t *testing.T) {
	s := New(&recordingSubmitter{}, nil, 0, nil)
	off := false

	err := s.AddFromConfig([]JobConfig{
		{Name: "b-sweep", Cron: "*/30 * * * *", Command: "nmap -sn 10.0.0.0/24"},
		{Name: "a-paused", Cron: "@daily", Command: "nmap -p- 10.0.0.5", Enabled: &off},
	})
	require.NoError(t, err)

	jobs := s.GetJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a-paused", jobs[0].Name)
	assert.False(t, jobs[0].Enabled)
	assert.Equal(t, "b-sweep", jobs[1].Name)
	assert.True(t, jobs[1].Enabled)

	err = s.AddFromConfig([]JobConfig{{Name: "broken", Cron: "61 * * * *", Command: "ls"}})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := New(&recordingSubmitter{}, nil, 0, nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestCronFiresSubmitter(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron clock")
	}
	sub := &recordingSubmitter{}
	s := New(sub, nil, 0, nil)
	_, err := s.AddCommandJob("tick", "@every 1s", "date")
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(sub.submitted()) > 0 }, 3*time.Second, 50*time.Millisecond)
}
