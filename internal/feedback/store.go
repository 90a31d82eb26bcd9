// Package feedback keeps the append-only log of caller satisfaction
// responses. It is independent of the job lifecycle.
package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"readly/internal/model"
)

const redisKey = "feedback"

// Store appends feedback records. There is no update or delete. Records
// are additionally pushed to Redis when a client is configured, so they
// survive restarts; the in-memory slice is authoritative for reads.
type Store struct {
	mu      sync.RWMutex
	records []model.FeedbackRecord
	client  *redis.Client
	logger  *slog.Logger
}

// NewStore returns a store; client may be nil for memory-only operation.
func NewStore(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// Add appends one record.
func (s *Store) Add(ctx context.Context, rec model.FeedbackRecord) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("feedback marshal failed", "error", err)
		return
	}
	if err := s.client.LPush(ctx, redisKey, data).Err(); err != nil {
		s.logger.Warn("feedback persist failed", "error", err)
	}
}

// All returns a snapshot of every record in submission order.
func (s *Store) All() []model.FeedbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FeedbackRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
