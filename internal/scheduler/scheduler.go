// Package scheduler runs recurring work on cron schedules: commands submitted
// to the dispatcher as if typed by the operator, and periodic autosaves of the
// inventory.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/runner"
)

// Job types.
const (
	JobTypeCommand  = "command"
	JobTypeAutosave = "autosave"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = stderrors.New("job not found")

// Submitter launches a command. The dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, command string) (runner.Token, error)
}

// SaveFunc persists the current inventory.
type SaveFunc func(ctx context.Context) error

// JobConfig describes a scheduled job in the configuration file.
type JobConfig struct {
	Name    string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	Cron    string `yaml:"cron" json:"cron" mapstructure:"cron" validate:"required"`
	Command string `yaml:"command" json:"command" mapstructure:"command" validate:"required"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`
}

// ScheduledJob is the state of a registered job.
type ScheduledJob struct {
	ID        uuid.UUID    `json:"id"`
	CronID    cron.EntryID `json:"-"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Cron      string       `json:"cron"`
	Command   string       `json:"command,omitempty"`
	Enabled   bool         `json:"enabled"`
	Running   bool         `json:"running"`
	Runs      int          `json:"runs"`
	LastRun   time.Time    `json:"last_run,omitempty"`
	NextRun   time.Time    `json:"next_run,omitempty"`
	LastError string       `json:"last_error,omitempty"`

	run func(ctx context.Context) error
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	submitter Submitter
	save      SaveFunc
	logger    *logging.Logger
	cron      *cron.Cron
	timeout   time.Duration

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*ScheduledJob
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Either collaborator may be nil when the matching
// job type is not used. timeout bounds a single job run; zero means one
// minute.
func New(submitter Submitter, save SaveFunc, timeout time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		submitter: submitter,
		save:      save,
		logger:    logger.WithComponent("scheduler"),
		cron:      cron.New(),
		timeout:   timeout,
		jobs:      make(map[uuid.UUID]*ScheduledJob),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddCommandJob schedules command to be submitted on cronExpr.
func (s *Scheduler) AddCommandJob(name, cronExpr, command string) (*ScheduledJob, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "scheduled command is empty", "command", command)
	}
	if s.submitter == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "no command submitter configured", "command", command)
	}
	job := &ScheduledJob{Name: name, Type: JobTypeCommand, Command: command}
	job.run = func(ctx context.Context) error {
		_, err := s.submitter.Submit(ctx, command)
		return err
	}
	return s.add(cronExpr, job)
}

// AddAutosaveJob schedules the save function on cronExpr.
func (s *Scheduler) AddAutosaveJob(name, cronExpr string) (*ScheduledJob, error) {
	if s.save == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "no save function configured", "autosave", cronExpr)
	}
	job := &ScheduledJob{Name: name, Type: JobTypeAutosave}
	job.run = func(ctx context.Context) error { return s.save(ctx) }
	return s.add(cronExpr, job)
}

// AddFromConfig registers the command jobs of a configuration file.
func (s *Scheduler) AddFromConfig(configs []JobConfig) error {
	for _, c := range configs {
		job, err := s.AddCommandJob(c.Name, c.Cron, c.Command)
		if err != nil {
			return fmt.Errorf("job %q: %w", c.Name, err)
		}
		if c.Enabled != nil && !*c.Enabled {
			if err := s.DisableJob(job.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) add(cronExpr string, job *ScheduledJob) (*ScheduledJob, error) {
	if strings.TrimSpace(job.Name) == "" {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "job name is required", "name", job.Name)
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "invalid cron expression: "+err.Error(), "cron", cronExpr)
	}

	job.ID = uuid.New()
	job.Cron = cronExpr
	job.Enabled = true
	job.NextRun = schedule.Next(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	id := job.ID
	cronID, err := s.cron.AddFunc(cronExpr, func() { s.execute(id) })
	if err != nil {
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	job.CronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Job scheduled", "job", job.Name, "type", job.Type, "cron", cronExpr)
	return job.copy(), nil
}

// RemoveJob unschedules a job.
func (s *Scheduler) RemoveJob(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, id)
	s.logger.Info("Job removed", "job", job.Name)
	return nil
}

// EnableJob enables a job.
func (s *Scheduler) EnableJob(id uuid.UUID) error {
	return s.setEnabled(id, true)
}

// DisableJob disables a job. A disabled job stays registered but is skipped
// when it fires.
func (s *Scheduler) DisableJob(id uuid.UUID) error {
	return s.setEnabled(id, false)
}

func (s *Scheduler) setEnabled(id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Enabled = enabled
	s.logger.Info("Job updated", "job", job.Name, "enabled", enabled)
	return nil
}

// GetJobs returns copies of all jobs sorted by name.
func (s *Scheduler) GetJobs() []*ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		c := job.copy()
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			c.NextRun = entry.Next
		}
		jobs = append(jobs, c)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Name != jobs[j].Name {
			return jobs[i].Name < jobs[j].Name
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	return jobs
}

// GetJob returns a copy of one job.
func (s *Scheduler) GetJob(id uuid.UUID) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.copy(), nil
}

// RunNow runs a job immediately, regardless of its schedule, and returns
// its error. A disabled or already running job is skipped.
func (s *Scheduler) RunNow(id uuid.UUID) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	return s.execute(id)
}

// execute runs a job unless it is disabled or already running.
func (s *Scheduler) execute(id uuid.UUID) error {
	job, ok := s.prepare(id)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	err := job.run(ctx)

	s.mu.Lock()
	if j, exists := s.jobs[id]; exists {
		j.Running = false
		j.Runs++
		j.LastError = ""
		if err != nil {
			j.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Error("Job failed", "job", job.Name, "type", job.Type)
		return err
	}
	s.logger.Info("Job completed", "job", job.Name, "type", job.Type)
	return nil
}

func (s *Scheduler) prepare(id uuid.UUID) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || !job.Enabled {
		return nil, false
	}
	if job.Running {
		s.logger.Warn("Job is already running, skipping", "job", job.Name)
		return nil, false
	}
	job.Running = true
	job.LastRun = time.Now()
	return job.copy(), true
}

func (j *ScheduledJob) copy() *ScheduledJob {
	c := *j
	return &c
}
