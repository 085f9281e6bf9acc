// Package jobs runs the periodic sweeps: approval expiry, audit archive and
// audit purge. Each run holds a named lock so only one replica sweeps at a
// time.
package jobs

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// ErrLocked is returned by a Locker when another holder has the lock.
var ErrLocked = stderrors.New("job lock held elsewhere")

// Locker grants exclusive runs of a named job.
type Locker interface {
	// Acquire returns a release func, or ErrLocked.
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// RedisLocker uses redislock, which releases only if the token still matches.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker creates a locker over rdb.
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+":lock:"+name, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
			return err
		}
		return nil
	}, nil
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) Acquire(_ context.Context, name string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrLocked
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		return nil
	}, nil
}

// Job is one named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Runner executes jobs on their intervals.
type Runner struct {
	jobs    []Job
	locker  Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(locker Locker, lockTTL time.Duration, m *metrics.Metrics, log *logger.Logger) *Runner {
	return &Runner{
		locker:  locker,
		lockTTL: lockTTL,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a job. Call before Start.
func (r *Runner) Add(j Job) {
	r.jobs = append(r.jobs, j)
}

// RunOnce runs every job a single time, in registration order. A job that
// is locked elsewhere is skipped. The first job error is returned after all
// jobs ran.
func (r *Runner) RunOnce(ctx context.Context) error {
	var first error
	for _, j := range r.jobs {
		if err := r.runJob(ctx, j); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start runs each job on its own ticker until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		j := j
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = r.runJob(ctx, j)
				}
			}
		}()
	}
}

// Wait blocks until every job loop started by Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, j Job) error {
	release, err := r.locker.Acquire(ctx, j.Name, r.lockTTL)
	if stderrors.Is(err, ErrLocked) {
		r.log.Debug().Str("job", j.Name).Msg("Job locked elsewhere, skipping")
		return nil
	}
	if err != nil {
		r.log.Warn().Err(err).Str("job", j.Name).Msg("Failed to acquire job lock")
		r.metrics.JobRun(j.Name, err)
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn().Err(err).Str("job", j.Name).Msg("Failed to release job lock")
		}
	}()

	start := time.Now()
	err = j.Run(ctx, r.now())
	r.metrics.JobRun(j.Name, err)
	if err != nil {
		r.log.Error().Err(err).Str("job", j.Name).Msg("Job failed")
		return err
	}
	r.log.Info().Str("job", j.Name).Dur("took", time.Since(start)).Msg("Job completed")
	return nil
}
