package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"readly/internal/model"
)

// Mirror persists job records to Redis with a TTL so `get` survives a
// registry eviction. It is strictly best-effort: a nil *Mirror (Redis
// unavailable) degrades to memory-only operation.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewMirror connects to Redis and returns nil when the server cannot be
// reached, leaving the caller on the in-memory path.
func NewMirror(addr, password string, db int, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, job records stay in memory", "error", err)
		return nil
	}
	logger.Info("redis connected", "addr", addr)
	return &Mirror{client: client, ttl: ttl, logger: logger}
}

func jobKey(id string) string { return "job:" + id }

// Save stores a snapshot of the job record.
func (m *Mirror) Save(ctx context.Context, job *model.Job) {
	if m == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		m.logger.Warn("job mirror marshal failed", "job_id", job.ID, "error", err)
		return
	}
	if err := m.client.Set(ctx, jobKey(job.ID), data, m.ttl).Err(); err != nil {
		m.logger.Warn("job mirror save failed", "job_id", job.ID, "error", err)
	}
}

// Delete removes a mirrored record, for jobs rolled back at submission.
func (m *Mirror) Delete(ctx context.Context, jobID string) {
	if m == nil {
		return
	}
	if err := m.client.Del(ctx, jobKey(jobID)).Err(); err != nil {
		m.logger.Warn("job mirror delete failed", "job_id", jobID, "error", err)
	}
}

// Load returns the mirrored record or nil when absent.
func (m *Mirror) Load(ctx context.Context, jobID string) *model.Job {
	if m == nil {
		return nil
	}
	val, err := m.client.Get(ctx, jobKey(jobID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("job mirror load failed", "job_id", jobID, "error", err)
		}
		return nil
	}
	var job model.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		m.logger.Warn("job mirror unmarshal failed", "job_id", jobID, "error", err)
		return nil
	}
	return &job
}
