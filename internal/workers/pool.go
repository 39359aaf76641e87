// Package workers runs batches of independent jobs on a bounded number of
// goroutines, with optional rate limiting and retries. Enrichment passes such
// as reverse DNS use it to keep the number of outstanding queries bounded.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/reconmap/internal/logging"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines.
	Size int `yaml:"size" json:"size" mapstructure:"size"`
	// MaxRetries is the number of retries for a failed job.
	MaxRetries int `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RateLimit is the maximum number of job starts per second (0 = no limit).
	RateLimit int `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:       8,
		MaxRetries: 1,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool executes batches of jobs.
type Pool struct {
	config Config
	logger *logging.Logger
}

// New creates a pool. A non-positive Size runs jobs one at a time.
func New(config Config, logger *logging.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Pool{config: config, logger: logger.WithComponent("workers")}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Run executes jobs and returns one result per job, in job order. Jobs not
// started before ctx is done report ctx.Err().
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	var limiter *time.Ticker
	if p.config.RateLimit > 0 {
		limiter = time.NewTicker(time.Second / time.Duration(p.config.RateLimit))
		defer limiter.Stop()
	}

	queue := make(chan int)
	var wg sync.WaitGroup

	size := p.config.Size
	if size > len(jobs) {
		size = len(jobs)
	}
	for w := 0; w < size; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range queue {
				results[i] = p.execute(ctx, jobs[i], limiter, id)
			}
		}(w)
	}

	next := 0
feed:
	for ; next < len(jobs); next++ {
		select {
		case queue <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	for i := next; i < len(jobs); i++ {
		results[i] = Result{JobID: jobs[i].ID(), JobType: jobs[i].Type(), Error: ctx.Err()}
	}
	return results
}

// execute runs a single job with rate limiting and retries.
func (p *Pool) execute(ctx context.Context, job Job, limiter *time.Ticker, workerID int) Result {
	res := Result{JobID: job.ID(), JobType: job.Type()}
	if err := ctx.Err(); err != nil {
		res.Error = err
		return res
	}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if limiter != nil {
			select {
			case <-limiter.C:
			case <-ctx.Done():
				res.Error = ctx.Err()
				return res
			}
		}

		start := time.Now()
		err := job.Execute(ctx)
		res.Duration = time.Since(start)
		res.Retries = attempt
		res.Error = err
		if err == nil {
			p.logger.Debug("Job completed",
				"job_id", job.ID(), "job_type", job.Type(), "worker_id", workerID, "retries", attempt)
			return res
		}
		if ctx.Err() != nil || attempt == p.config.MaxRetries {
			break
		}

		p.logger.Debug("Job failed, retrying",
			"job_id", job.ID(), "job_type", job.Type(), "attempt", attempt+1, "error", err)
		select {
		case <-time.After(p.config.RetryDelay):
		case <-ctx.Done():
			res.Error = ctx.Err()
			return res
		}
	}

	p.logger.Debug("Job failed",
		"job_id", job.ID(), "job_type", job.Type(), "retries", res.Retries, "error", res.Error)
	return res
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that calls fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
