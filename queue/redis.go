package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailpipe/internal/config"
	"mailpipe/internal/metrics"
)

const defaultRedisBatch = 64

// redisTask is the sorted set member. The nonce keeps two identical tasks
// scheduled at the same time from collapsing into one member.
type redisTask struct {
	Kind      Kind   `json:"kind"`
	MessageID string `json:"message_id"`
	Nonce     string `json:"nonce"`
}

// Redis is a durable delayed queue in a redis sorted set scored by due time
// in unix milliseconds. A task runs on the process whose ZREM removes it.
type Redis struct {
	client  *redis.Client
	key     string
	log     zerolog.Logger
	workers int
	poll    time.Duration
	batch   int64
	now     func() time.Time

	pool     *pool
	quit     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// RedisOptions configures a Redis scheduler.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	Workers      int
	PollInterval time.Duration
}

// NewRedisClient opens a client for opts.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedis creates a Redis scheduler over client.
func NewRedis(client *redis.Client, log zerolog.Logger, opts RedisOptions) *Redis {
	if opts.Key == "" {
		opts.Key = "mailpipe:tasks"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	log = log.With().Str("component", "queue").Str("backend", "redis").Logger()
	return &Redis{
		client:  client,
		key:     opts.Key,
		log:     log,
		workers: config.Workers(opts.Workers),
		poll:    opts.PollInterval,
		batch:   defaultRedisBatch,
		now:     time.Now,
		pool:    newPool(log),
		quit:    make(chan struct{}),
	}
}

// Ping checks the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Schedule adds task to the sorted set with score now+delay.
func (r *Redis) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	member, err := json.Marshal(redisTask{
		Kind:      task.Kind,
		MessageID: task.MessageID,
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	due := r.now().Add(delay).UnixMilli()
	if err := r.client.ZAdd(ctx, r.key, &redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", task, err)
	}
	r.log.Debug().Str("task", task.String()).Dur("delay", delay).Msg("Scheduled task")
	return nil
}

// Depth returns the number of tasks in the sorted set, due or not.
func (r *Redis) Depth(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Start runs the poll loop and workers until ctx is cancelled or Stop is
// called. It must be called at most once.
func (r *Redis) Start(ctx context.Context, h Handler) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.pool.start(ctx, r.workers, h)
	r.loop.Add(1)
	go func() {
		defer r.loop.Done()
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			if err := r.processQueue(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Failed to poll queue")
			}
			if n, err := r.Depth(ctx); err == nil {
				metrics.SetQueueDepth(int(n))
			}
			select {
			case <-ctx.Done():
				return
			case <-r.quit:
				return
			case <-ticker.C:
			}
		}
	}()
	r.log.Info().Int("workers", r.workers).Dur("poll", r.poll).Str("key", r.key).Msg("Queue started")
}

// Stop shuts down the poll loop and waits for running tasks to finish.
func (r *Redis) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.loop.Wait()
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started {
			r.pool.close()
		}
	})
}

// processQueue claims due members one at a time and dispatches them. Members
// for a message id that is already running are left for a later poll.
func (r *Redis) processQueue(ctx context.Context) error {
	until := strconv.FormatInt(r.now().UnixMilli(), 10)
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   until,
		Count: r.batch,
	}).Result()
	if err != nil {
		return fmt.Errorf("read due tasks: %w", err)
	}

	for _, member := range members {
		var rt redisTask
		if err := json.Unmarshal([]byte(member), &rt); err != nil {
			r.log.Error().Err(err).Str("member", member).Msg("Dropping undecodable task")
			_ = r.client.ZRem(ctx, r.key, member).Err()
			continue
		}
		task := Task{Kind: rt.Kind, MessageID: rt.MessageID}
		if !r.pool.acquire(task.MessageID) {
			continue
		}
		n, err := r.client.ZRem(ctx, r.key, member).Result()
		if err != nil || n != 1 {
			r.pool.release(task.MessageID)
			if err != nil {
				return fmt.Errorf("claim %s: %w", task, err)
			}
			continue
		}
		if !r.pool.dispatch(task, r.quit) {
			r.pool.release(task.MessageID)
			// Put it back so another process can pick it up.
			if err := r.client.ZAdd(context.Background(), r.key, &redis.Z{Score: float64(r.now().UnixMilli()), Member: member}).Err(); err != nil {
				r.log.Error().Err(err).Str("task", task.String()).Msg("Failed to return task to queue")
			}
			return nil
		}
	}
	return nil
}
