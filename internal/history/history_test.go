package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readly/internal/model"
)

func entry(jobID, deviceID, status string, age time.Duration) Entry {
	return Entry{
		JobID:     jobID,
		DeviceID:  deviceID,
		URL:       "https://example.com/" + jobID,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestMemoryStoreRecentByDeviceOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Record(ctx, entry("a", "d1", "complete", 3*time.Hour)))
	require.NoError(t, s.Record(ctx, entry("b", "d1", "error", time.Hour)))
	require.NoError(t, s.Record(ctx, entry("c", "d2", "complete", time.Minute)))

	got, err := s.RecentByDevice(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].JobID, "most recent first")
	assert.Equal(t, "a", got[1].JobID)
}

func TestMemoryStoreRecentLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(ctx, entry(id, "d1", "complete", time.Minute)))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Record(ctx, entry("a", "d1", "complete", time.Hour)))
	require.NoError(t, s.Record(ctx, entry("b", "d1", "error", 2*time.Hour)))
	require.NoError(t, s.Record(ctx, entry("c", "d2", "complete", 48*time.Hour)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(2), st.Success)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(2), st.Today)
	assert.InDelta(t, 66.6, st.SuccessRate, 0.1)
}

func TestMemoryStoreErrorBreakdown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := entry("a", "d1", "error", time.Hour)
	a.FailureReason = "extraction_failed"
	b := entry("b", "d1", "error", time.Hour)
	b.FailureReason = "extraction_failed"
	c := entry("c", "d2", "error", time.Hour)
	c.FailureReason = "timeout"
	for _, e := range []Entry{a, b, c, entry("d", "d1", "complete", time.Hour)} {
		require.NoError(t, s.Record(ctx, e))
	}

	got, err := s.ErrorBreakdown(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ReasonCount{Reason: "extraction_failed", Count: 2}, got[0])
	assert.Equal(t, ReasonCount{Reason: "timeout", Count: 1}, got[1])
}

func TestMemoryStoreDailyTrend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Record(ctx, entry("a", "d1", "complete", time.Hour)))
	require.NoError(t, s.Record(ctx, entry("b", "d1", "error", time.Hour)))
	require.NoError(t, s.Record(ctx, entry("c", "d1", "complete", 72*time.Hour)))
	require.NoError(t, s.Record(ctx, entry("old", "d1", "complete", 30*24*time.Hour)))

	got, err := s.DailyTrend(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Day > got[1].Day, "most recent day first")

	today := got[0]
	assert.Equal(t, int64(2), today.Total)
	assert.Equal(t, int64(1), today.Success)
	assert.Equal(t, int64(1), got[1].Total)
}

func TestMemoryStoreIncrementDownload(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Record(ctx, entry("a", "d1", "complete", time.Minute)))

	require.NoError(t, s.IncrementDownload(ctx, "a", model.FormatPDF))
	require.NoError(t, s.IncrementDownload(ctx, "a", model.FormatPDF))
	require.NoError(t, s.IncrementDownload(ctx, "a", model.FormatEPUB))

	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got[0].PDFDownloads)
	assert.Equal(t, int64(1), got[0].EPUBDownloads)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalDownloads)
}
