package workers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	duration time.Duration
	failures int32
	executed int32
}

func NewMockJob(id string, duration time.Duration, failures int32) *MockJob {
	return &MockJob{id: id, duration: duration, failures: failures}
}

func (m *MockJob) Execute(ctx context.Context) error {
	n := atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= m.failures {
		return fmt.Errorf("attempt %d failed", n)
	}
	return nil
}

func (m *MockJob) ID() string {
	return m.id
}

func (m *MockJob) Type() string {
	return "mock"
}

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

func TestNew(t *testing.T) {
	t.Run("normalizes configuration", func(t *testing.T) {
		pool := New(Config{Size: 0, MaxRetries: -2}, nil)
		assert.Equal(t, 1, pool.Config().Size)
		assert.Equal(t, 0, pool.Config().MaxRetries)
	})

	t.Run("default configuration", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, 8, cfg.Size)
		assert.Equal(t, 1, cfg.MaxRetries)
		assert.Zero(t, cfg.RateLimit)
	})
}

func TestRunResultsInJobOrder(t *testing.T) {
	pool := New(Config{Size: 4}, nil)

	jobs := make([]Job, 10)
	for i := range jobs {
		// Later jobs finish first.
		jobs[i] = NewMockJob(fmt.Sprintf("job-%d", i), time.Duration(10-i)*time.Millisecond, 0)
	}

	results := pool.Run(context.Background(), jobs)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), res.JobID)
		assert.Equal(t, "mock", res.JobType)
		assert.NoError(t, res.Error)
		assert.Equal(t, int32(1), jobs[i].(*MockJob).ExecutedCount())
	}
}

func TestRunEmpty(t *testing.T) {
	assert.Empty(t, New(DefaultConfig(), nil).Run(context.Background(), nil))
}

func TestRunBoundsConcurrency(t *testing.T) {
	var running, peak int32
	pool := New(Config{Size: 3}, nil)

	jobs := make([]Job, 12)
	for i := range jobs {
		jobs[i] = NewFuncJob(fmt.Sprintf("j%d", i), "check", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	pool.Run(context.Background(), jobs)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestRunRetries(t *testing.T) {
	pool := New(Config{Size: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	flaky := NewMockJob("flaky", 0, 2)
	broken := NewMockJob("broken", 0, 10)

	results := pool.Run(context.Background(), []Job{flaky, broken})
	assert.NoError(t, results[0].Error)
	assert.Equal(t, 2, results[0].Retries)
	assert.Equal(t, int32(3), flaky.ExecutedCount())

	assert.Error(t, results[1].Error)
	assert.Equal(t, 2, results[1].Retries)
	assert.Equal(t, int32(3), broken.ExecutedCount())
}

func TestRunRateLimit(t *testing.T) {
	pool := New(Config{Size: 4, RateLimit: 100}, nil)

	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = NewMockJob(fmt.Sprintf("j%d", i), 0, 0)
	}

	start := time.Now()
	pool.Run(context.Background(), jobs)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRunCanceled(t *testing.T) {
	pool := New(Config{Size: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	first := NewFuncJob("first", "cancel", func(context.Context) error {
		cancel()
		return nil
	})
	second := NewMockJob("second", 0, 0)
	third := NewMockJob("third", 0, 0)

	results := pool.Run(ctx, []Job{first, second, third})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Error)
	assert.True(t, errors.Is(results[2].Error, context.Canceled))
	assert.Equal(t, int32(0), third.ExecutedCount())
}
