// Package artifact stores generated output files keyed by job and format,
// with a time-to-live and a background eviction sweep.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"readly/internal/apperr"
	"readly/internal/model"
)

// SweepInterval is how often the background sweeper evicts expired entries.
const SweepInterval = 10 * time.Minute

type entry struct {
	path      string
	size      int64
	expiresAt time.Time
}

// Store keeps artifact payloads on disk under a single directory with an
// in-memory expiry index. Payloads are immutable once written, so repeated
// reads before expiry return byte-identical data.
type Store struct {
	mu     sync.RWMutex
	dir    string
	index  map[string]entry
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates the artifact directory if needed and returns an empty
// store. A nil logger falls back to slog.Default.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		index:  make(map[string]entry),
		logger: logger,
		now:    time.Now,
	}, nil
}

func key(jobID string, format model.Format) string {
	return jobID + "." + string(format)
}

// Put writes the payload for one (job, format) pair and registers it with
// the given time-to-live.
func (s *Store) Put(jobID string, format model.Format, payload []byte, ttl time.Duration) error {
	path := filepath.Join(s.dir, key(jobID, format))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key(jobID, format), err)
	}

	s.mu.Lock()
	s.index[key(jobID, format)] = entry{
		path:      path,
		size:      int64(len(payload)),
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// Get returns the stored payload, apperr.CodeNotFound when the pair was
// never stored (or already purged), or apperr.CodeExpired when its TTL has
// passed but the sweep has not removed it yet.
func (s *Store) Get(jobID string, format model.Format) ([]byte, error) {
	s.mu.RLock()
	ent, ok := s.index[key(jobID, format)]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.NotFoundf("artifact %s not found", key(jobID, format))
	}
	if !s.now().Before(ent.expiresAt) {
		return nil, apperr.Expired(fmt.Sprintf("artifact %s expired", key(jobID, format)))
	}

	payload, err := os.ReadFile(ent.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("artifact %s not found", key(jobID, format))
		}
		return nil, apperr.Wrapf(err, apperr.CodeInternal, "read artifact %s", key(jobID, format))
	}
	return payload, nil
}

// Size returns the stored payload length in bytes, or 0 when absent.
func (s *Store) Size(jobID string, format model.Format) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[key(jobID, format)].size
}

// Sweep removes every entry whose expiry has passed, deleting the backing
// files, and returns the number of evicted entries.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, ent := range s.index {
		if now.Before(ent.expiresAt) {
			continue
		}
		if err := os.Remove(ent.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("artifact file removal failed", "artifact", k, "error", err)
		}
		delete(s.index, k)
		evicted++
	}
	return evicted
}

// Run sweeps expired artifacts periodically until ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Info("expired artifacts evicted", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
