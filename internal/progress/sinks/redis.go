package sinks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/map-harvester/internal/progress"
)

// RedisClient is the subset of *redis.Client the live-status cache uses.
type RedisClient interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Close() error
}

// RedisConfig controls the live-status cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

const (
	defaultRedisPrefix = "harvest:run:"
	defaultRedisTTL    = 24 * time.Hour
)

// Live run states written to the cache.
const (
	LiveRunning   = "running"
	LiveDone      = "done"
	LiveCancelled = "cancelled"
	LiveAborted   = "aborted"
)

// LiveStatus is the cached view of a run as seen by this process's dispatchers.
type LiveStatus struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	LastStage string    `json:"last_stage"`
	UpdatedAt time.Time `json:"updated_at"`
	Claimed   int64     `json:"claimed"`
	Done      int64     `json:"done"`
	Retried   int64     `json:"retried"`
	Failed    int64     `json:"failed"`
	Stale     int64     `json:"stale"`
	Results   int64     `json:"results"`
	Dropped   int64     `json:"dropped"`
	Note      string    `json:"note,omitempty"`
}

// RedisSink keeps one hash per run with counters and the latest milestone.
type RedisSink struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisSink dials cfg.Addr.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisSinkWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client RedisClient, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

type liveDelta struct {
	counters map[string]int64
	last     progress.Event
	state    string
}

// Consume folds the batch into per-run deltas, then writes each run once.
func (s *RedisSink) Consume(ctx context.Context, batch []progress.Event) error {
	deltas := make(map[string]*liveDelta)
	var order []string
	for _, evt := range batch {
		d, ok := deltas[evt.RunID]
		if !ok {
			d = &liveDelta{counters: make(map[string]int64)}
			deltas[evt.RunID] = d
			order = append(order, evt.RunID)
		}
		d.last = evt
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunResume:
			d.state = LiveRunning
		case progress.StageRunDone:
			d.state = LiveDone
		case progress.StageRunCancel:
			d.state = LiveCancelled
		case progress.StageRunAbort:
			d.state = LiveAborted
		case progress.StageUnitClaim:
			d.counters["claimed"]++
		case progress.StageUnitDone:
			d.counters["done"]++
			d.counters["results"] += int64(evt.Inserted)
			d.counters["dropped"] += int64(evt.Dropped)
		case progress.StageUnitRetry:
			d.counters["retried"]++
		case progress.StageUnitFailed:
			d.counters["failed"]++
		case progress.StageUnitStale:
			d.counters["stale"]++
		case progress.StageUnitRelease:
			d.counters["released"]++
		}
	}

	var errs []error
	for _, runID := range order {
		if err := s.write(ctx, runID, deltas[runID]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *RedisSink) write(ctx context.Context, runID string, d *liveDelta) error {
	key := s.prefix + runID
	for field, n := range d.counters {
		if n == 0 {
			continue
		}
		if err := s.client.HIncrBy(ctx, key, field, n).Err(); err != nil {
			return fmt.Errorf("redis hincrby %s: %w", key, err)
		}
	}
	values := []any{
		"run_id", runID,
		"last_stage", string(d.last.Stage),
		"updated_at", d.last.TS.UTC().Format(time.RFC3339Nano),
	}
	if d.state != "" {
		values = append(values, "state", d.state)
	}
	if d.last.Note != "" {
		values = append(values, "note", d.last.Note)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// Live reads the cached status. ok is false when nothing is cached.
func (s *RedisSink) Live(ctx context.Context, runID string) (LiveStatus, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LiveStatus{}, false, nil
		}
		return LiveStatus{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return LiveStatus{}, false, nil
	}
	status := LiveStatus{
		RunID:     runID,
		State:     fields["state"],
		LastStage: fields["last_stage"],
		Note:      fields["note"],
		Claimed:   parseCount(fields["claimed"]),
		Done:      parseCount(fields["done"]),
		Retried:   parseCount(fields["retried"]),
		Failed:    parseCount(fields["failed"]),
		Stale:     parseCount(fields["stale"]),
		Results:   parseCount(fields["results"]),
		Dropped:   parseCount(fields["dropped"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		status.UpdatedAt = ts
	}
	return status, true, nil
}

func parseCount(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Close closes the Redis client.
func (s *RedisSink) Close(context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
