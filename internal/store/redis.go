package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/reconhub/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	jobIndexKey       = "jobs:index"
	maxUpdateAttempts = 25
)

// createScript stores the job only if its key is free and appends the id to
// the index in the same step.
var createScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// JobKey is the Redis key holding a job's JSON document.
func JobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// RedisStore implements Store on top of Redis. Each job is a JSON document;
// updates use WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL creates a RedisStore from a Redis URL.
func NewRedisStoreFromURL(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	created, err := createScript.Run(ctx, s.client, []string{JobKey(job.ID), jobIndexKey}, data, job.ID).Int()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if created == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.client.Get(ctx, JobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(data)
}

func (s *RedisStore) UpdateJob(ctx context.Context, id string, mutate Mutator) (*models.Job, error) {
	key := JobKey(id)
	var updated *models.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeJob(data)
		if err != nil {
			return err
		}

		next, err := applyUpdate(cur, mutate, time.Now().UTC())
		if err != nil {
			return err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: gave up after %d conflicting writes", id, maxUpdateAttempts)
}

// ListJobs returns jobs in insertion order.
func (s *RedisStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.client.LRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return []*models.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = JobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(data []byte) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
