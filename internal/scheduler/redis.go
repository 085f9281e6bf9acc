package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// Redis keeps pending jobs in a sorted set scored by due time, with job
// bodies in a hash under the same member key. Any replica may poll; the claim
// script removes due jobs atomically so each fires on exactly one replica.
type Redis struct {
	client    redis.UniversalClient
	dueKey    string
	dataKey   string
	poll      time.Duration
	batch     int
	handlers  map[string]Handler
	hmu       sync.RWMutex
	log       *logger.Logger
	now       func() time.Time
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

var _ Scheduler = (*Redis)(nil)

// claimScript pops up to ARGV[2] members scored <= ARGV[1] and returns their
// job bodies.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, member in ipairs(due) do
	local body = redis.call('HGET', KEYS[2], member)
	redis.call('ZREM', KEYS[1], member)
	redis.call('HDEL', KEYS[2], member)
	if body then
		table.insert(out, body)
	end
end
return out
`)

// NewRedis creates a Redis-backed scheduler. namespace prefixes both keys.
func NewRedis(client redis.UniversalClient, namespace string, poll time.Duration, log *logger.Logger) *Redis {
	if poll <= 0 {
		poll = time.Second
	}
	return &Redis{
		client:   client,
		dueKey:   namespace + ":jobs:due",
		dataKey:  namespace + ":jobs:data",
		poll:     poll,
		batch:    100,
		handlers: map[string]Handler{},
		log:      log,
		now:      time.Now,
	}
}

func (s *Redis) Handle(kind string, h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[kind] = h
}

// Schedule writes the body and the due score in one MULTI so a poller never
// sees one without the other.
func (s *Redis) Schedule(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal job")
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.dataKey, job.Key, body)
		p.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.Key})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to schedule job %s", job.Key))
	}
	return nil
}

func (s *Redis) Cancel(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.dueKey, key)
		p.HDel(ctx, s.dataKey, key)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, fmt.Sprintf("failed to cancel job %s", key))
	}
	return nil
}

// Poll claims and runs every job due now. It returns the number dispatched.
func (s *Redis) Poll(ctx context.Context) (int, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey, s.dataKey},
		s.now().UnixMilli(), s.batch,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return 0, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to claim due jobs")
	}

	for _, body := range res {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			s.log.Warn().Err(err).Msg("Dropping undecodable job")
			continue
		}
		s.hmu.RLock()
		h := s.handlers[job.Kind]
		s.hmu.RUnlock()
		run(ctx, s.log, h, job)
	}
	return len(res), nil
}

func (s *Redis) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.stop = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
						s.log.Warn().Err(err).Msg("Scheduler poll failed")
					}
				}
			}
		}()
	})
}

func (s *Redis) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}
