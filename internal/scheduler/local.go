package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// Local keeps pending jobs as in-process timers. Pending jobs are lost on
// restart; sweeps catch up on anything that matters.
type Local struct {
	mu       sync.Mutex
	timers   map[string]*localTimer
	seq      uint64
	handlers map[string]Handler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logger.Logger
	now      func() time.Time
}

type localTimer struct {
	timer *time.Timer
	seq   uint64
}

var _ Scheduler = (*Local)(nil)

// NewLocal creates an in-process scheduler.
func NewLocal(log *logger.Logger) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		timers:   map[string]*localTimer{},
		handlers: map[string]Handler{},
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
		now:      time.Now,
	}
}

func (s *Local) Handle(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Local) Schedule(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[job.Key]; ok {
		prev.timer.Stop()
	}
	s.seq++
	seq := s.seq
	delay := job.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	t := &localTimer{seq: seq}
	t.timer = time.AfterFunc(delay, func() { s.fire(job, seq) })
	s.timers[job.Key] = t
	return nil
}

func (s *Local) Cancel(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.timer.Stop()
		delete(s.timers, key)
	}
	return nil
}

// Pending reports how many jobs are waiting to fire.
func (s *Local) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Local) fire(job Job, seq uint64) {
	s.mu.Lock()
	t, ok := s.timers[job.Key]
	if !ok || t.seq != seq || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	delete(s.timers, job.Key)
	h := s.handlers[job.Kind]
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	run(s.ctx, s.log, h, job)
}

// Start ties the scheduler to ctx. Timers dispatch on their own.
func (s *Local) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
}

// Stop cancels pending timers and waits for running handlers.
func (s *Local) Stop() {
	s.mu.Lock()
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// run executes h and logs the outcome. Handler failures never propagate.
func run(ctx context.Context, log *logger.Logger, h Handler, job Job) {
	if h == nil {
		log.Warn().Str("kind", job.Kind).Str("key", job.Key).Msg("No handler for job kind, dropping")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("kind", job.Kind).Str("key", job.Key).Msg("Job handler panicked")
		}
	}()
	if err := h(ctx, job); err != nil {
		log.Warn().Err(err).Str("kind", job.Kind).Str("key", job.Key).Msg("Job failed")
		return
	}
	log.Debug().Str("kind", job.Kind).Str("key", job.Key).Msg("Job completed")
}
