// Package history keeps the append-only conversion audit log behind the
// admin statistics and long-term device listings.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"readly/internal/model"
)

// Entry is one finished conversion attempt.
type Entry struct {
	JobID         string    `json:"job_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	URL           string    `json:"url"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	PDFSize       int64     `json:"pdf_size_bytes,omitempty"`
	EPUBSize      int64     `json:"epub_size_bytes,omitempty"`
	PDFDownloads  int64     `json:"pdf_downloads"`
	EPUBDownloads int64     `json:"epub_downloads"`
	Elapsed       float64   `json:"conversion_time,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats aggregates the log for the admin dashboard.
type Stats struct {
	Total          int64   `json:"total"`
	Success        int64   `json:"success"`
	Failed         int64   `json:"failed"`
	SuccessRate    float64 `json:"success_rate"`
	Today          int64   `json:"today"`
	TotalDownloads int64   `json:"total_downloads"`
}

// ReasonCount is one bucket of the failure-reason breakdown.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// DayCount is one day of the conversion trend.
type DayCount struct {
	Day     string `json:"day"`
	Total   int64  `json:"total"`
	Success int64  `json:"success"`
}

// Store records finished conversions and answers aggregate queries.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	RecentByDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	ErrorBreakdown(ctx context.Context) ([]ReasonCount, error)
	DailyTrend(ctx context.Context, days int) ([]DayCount, error)
	IncrementDownload(ctx context.Context, jobID string, format model.Format) error
}

// MemoryStore is the volatile default implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentLocked(s.entries, "", limit), nil
}

func (s *MemoryStore) RecentByDevice(_ context.Context, deviceID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recentLocked(s.entries, deviceID, limit), nil
}

func recentLocked(entries []Entry, deviceID string, limit int) []Entry {
	out := make([]Entry, 0, limit)
	for _, e := range entries {
		if deviceID == "" || e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	dayAgo := s.now().Add(-24 * time.Hour)
	for _, e := range s.entries {
		st.Total++
		if e.Status == string(model.StateComplete) {
			st.Success++
		} else {
			st.Failed++
		}
		if e.CreatedAt.After(dayAgo) {
			st.Today++
		}
		st.TotalDownloads += e.PDFDownloads + e.EPUBDownloads
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total) * 100
	}
	return st, nil
}

func (s *MemoryStore) ErrorBreakdown(_ context.Context) ([]ReasonCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.entries {
		if e.Status == string(model.StateError) {
			counts[e.FailureReason]++
		}
	}
	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

func (s *MemoryStore) DailyTrend(_ context.Context, days int) ([]DayCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	byDay := make(map[string]*DayCount)
	for _, e := range s.entries {
		if !e.CreatedAt.After(cutoff) {
			continue
		}
		day := e.CreatedAt.UTC().Format("2006-01-02")
		dc, ok := byDay[day]
		if !ok {
			dc = &DayCount{Day: day}
			byDay[day] = dc
		}
		dc.Total++
		if e.Status == string(model.StateComplete) {
			dc.Success++
		}
	}
	out := make([]DayCount, 0, len(byDay))
	for _, dc := range byDay {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	return out, nil
}

func (s *MemoryStore) IncrementDownload(_ context.Context, jobID string, format model.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].JobID != jobID {
			continue
		}
		if format == model.FormatEPUB {
			s.entries[i].EPUBDownloads++
		} else {
			s.entries[i].PDFDownloads++
		}
		return nil
	}
	return nil
}
