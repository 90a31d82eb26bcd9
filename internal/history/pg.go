package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"readly/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
    id              BIGSERIAL PRIMARY KEY,
    job_id          TEXT UNIQUE NOT NULL,
    device_id       TEXT,
    url             TEXT NOT NULL,
    title           TEXT,
    status          TEXT NOT NULL,
    failure_reason  TEXT,
    pdf_size_bytes  BIGINT NOT NULL DEFAULT 0,
    epub_size_bytes BIGINT NOT NULL DEFAULT 0,
    pdf_downloads   BIGINT NOT NULL DEFAULT 0,
    epub_downloads  BIGINT NOT NULL DEFAULT 0,
    conversion_time DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversions_device_idx ON conversions (device_id, created_at DESC);
`

const entryColumns = `job_id, device_id, url, title, status, failure_reason,
pdf_size_bytes, epub_size_bytes, pdf_downloads, epub_downloads, conversion_time, created_at`

// PGStore is the Postgres-backed audit log.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore connects to Postgres and ensures the schema exists.
func NewPGStore(ctx context.Context, url string, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate conversions table: %w", err)
	}
	logger.Info("postgres audit log connected")
	return &PGStore{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Record(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO conversions (`+entryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10)
ON CONFLICT (job_id) DO NOTHING`,
		entry.JobID, entry.DeviceID, entry.URL, entry.Title, entry.Status,
		entry.FailureReason, entry.PDFSize, entry.EPUBSize, entry.Elapsed, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("record conversion %s: %w", entry.JobID, err)
	}
	return nil
}

func (s *PGStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx, `
SELECT `+entryColumns+` FROM conversions
ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PGStore) RecentByDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	return s.query(ctx, `
SELECT `+entryColumns+` FROM conversions
WHERE device_id = $2
ORDER BY created_at DESC LIMIT $1`, limit, deviceID)
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.JobID, &e.DeviceID, &e.URL, &e.Title, &e.Status,
			&e.FailureReason, &e.PDFSize, &e.EPUBSize, &e.PDFDownloads,
			&e.EPUBDownloads, &e.Elapsed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE status = 'complete'),
    COUNT(*) FILTER (WHERE status <> 'complete'),
    COUNT(*) FILTER (WHERE created_at >= now() - interval '24 hours'),
    COALESCE(SUM(pdf_downloads + epub_downloads), 0)
FROM conversions`).Scan(&st.Total, &st.Success, &st.Failed, &st.Today, &st.TotalDownloads)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate conversions: %w", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total) * 100
	}
	return st, nil
}

func (s *PGStore) ErrorBreakdown(ctx context.Context) ([]ReasonCount, error) {
	rows, err := s.pool.Query(ctx, `
SELECT failure_reason, COUNT(*) FROM conversions
WHERE status = 'error'
GROUP BY failure_reason
ORDER BY COUNT(*) DESC, failure_reason`)
	if err != nil {
		return nil, fmt.Errorf("query error breakdown: %w", err)
	}
	defer rows.Close()

	var out []ReasonCount
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return nil, fmt.Errorf("scan error breakdown: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *PGStore) DailyTrend(ctx context.Context, days int) ([]DayCount, error) {
	rows, err := s.pool.Query(ctx, `
SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
    COUNT(*),
    COUNT(*) FILTER (WHERE status = 'complete')
FROM conversions
WHERE created_at >= now() - make_interval(days => $1)
GROUP BY day
ORDER BY day DESC`, days)
	if err != nil {
		return nil, fmt.Errorf("query daily trend: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Total, &dc.Success); err != nil {
			return nil, fmt.Errorf("scan daily trend: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *PGStore) IncrementDownload(ctx context.Context, jobID string, format model.Format) error {
	column := "pdf_downloads"
	if format == model.FormatEPUB {
		column = "epub_downloads"
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE conversions SET `+column+` = `+column+` + 1 WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("increment %s download: %w", jobID, err)
	}
	return nil
}
