package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"time"

	"readly/internal/apperr"
	"readly/internal/model"
)

type convertRequest struct {
	URL      string `json:"url"`
	DeviceID string `json:"device_id"`
}

type convertResponse struct {
	JobID   string `json:"job_id"`
	Title   string `json:"title"`
	PDFURL  string `json:"pdf_url"`
	EPUBURL string `json:"epub_url"`
}

type jobListing struct {
	ID            string `json:"id"`
	SourceURL     string `json:"source_url"`
	State         string `json:"state"`
	Phase         string `json:"phase,omitempty"`
	Title         string `json:"title,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	PDFURL        string `json:"pdf_url,omitempty"`
	EPUBURL       string `json:"epub_url,omitempty"`
}

type rateLimitInfo struct {
	Remaining     int `json:"remaining"`
	MaxPerWindow  int `json:"max_per_window"`
	WindowMinutes int `json:"window_minutes"`
	ResetSeconds  int `json:"reset_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.manager.Metrics()

	status := "healthy"
	if m.Active > int64(s.manager.Workers()*2) {
		status = "overloaded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"active_jobs":    m.Active,
		"queued_jobs":    m.Queued,
		"completed_jobs": m.Completed,
		"failed_jobs":    m.Failed,
		"worker_pool":    s.manager.Workers(),
		"queue_capacity": s.manager.QueueCapacity(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleConvert runs a conversion synchronously: the response is written
// only once the job reaches a terminal state.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeAppError(w, apperr.InvalidInput("device_id is required"))
		return
	}

	job, err := s.manager.Submit(r.Context(), req.DeviceID, req.URL)
	if err != nil {
		writeAppError(w, err)
		return
	}

	done, err := s.manager.WaitTerminal(r.Context(), job.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if done.State != model.StateComplete {
		writeAppError(w, failureError(done))
		return
	}

	writeJSON(w, http.StatusOK, convertResponse{
		JobID:   done.ID,
		Title:   done.Title,
		PDFURL:  s.manager.ArtifactURL(done.ID, model.FormatPDF),
		EPUBURL: s.manager.ArtifactURL(done.ID, model.FormatEPUB),
	})
}

// failureError rebuilds the classified error for a failed job record.
func failureError(job *model.Job) error {
	code := apperr.Code(job.FailureReason)
	switch code {
	case apperr.CodeExtractionFailed, apperr.CodeEncodingFailed, apperr.CodeTimeout:
		return &apperr.Error{Code: code, Message: "conversion failed: " + job.FailureReason}
	default:
		return apperr.Internal("conversion failed")
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeAppError(w, apperr.InvalidInput("device_id query parameter is required"))
		return
	}

	jobs := s.manager.List(deviceID)
	listings := make([]jobListing, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
		l := jobListing{
			ID:            job.ID,
			SourceURL:     job.SourceURL,
			State:         string(job.State),
			Phase:         string(job.Phase),
			Title:         job.Title,
			FailureReason: job.FailureReason,
			CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
		}
		if job.State == model.StateComplete {
			l.PDFURL = s.manager.ArtifactURL(job.ID, model.FormatPDF)
			l.EPUBURL = s.manager.ArtifactURL(job.ID, model.FormatEPUB)
		}
		listings = append(listings, l)
	}
	listings = s.mergeHistory(r.Context(), deviceID, listings, seen)

	adm := s.manager.Limiter().Peek(deviceID, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": listings,
		"rate_limit": rateLimitInfo{
			Remaining:     adm.Remaining,
			MaxPerWindow:  s.manager.Limiter().Max(),
			WindowMinutes: s.cfg.WindowMinutes(),
			ResetSeconds:  adm.ResetSeconds,
		},
	})
}

// mergeHistory folds audit-log entries into the listing for jobs the live
// registry no longer holds, so device history survives registry eviction
// and restarts when a persistent log is configured.
func (s *Server) mergeHistory(ctx context.Context, deviceID string, listings []jobListing, seen map[string]bool) []jobListing {
	if s.history == nil {
		return listings
	}
	entries, err := s.history.RecentByDevice(ctx, deviceID, 50)
	if err != nil {
		s.logger.Warn("device history lookup failed", "device_id", deviceID, "error", err)
		return listings
	}

	cutoff := time.Now().Add(-s.cfg.JobRetention)
	for _, e := range entries {
		if seen[e.JobID] || !e.CreatedAt.After(cutoff) {
			continue
		}
		l := jobListing{
			ID:            e.JobID,
			SourceURL:     e.URL,
			State:         e.Status,
			Title:         e.Title,
			FailureReason: e.FailureReason,
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if e.Status == string(model.StateComplete) {
			l.PDFURL = s.manager.ArtifactURL(e.JobID, model.FormatPDF)
			l.EPUBURL = s.manager.ArtifactURL(e.JobID, model.FormatEPUB)
		}
		listings = append(listings, l)
	}

	// UTC RFC3339 strings order the same as the times they encode.
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].CreatedAt > listings[j].CreatedAt
	})
	return listings
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	format := model.Format(r.PathValue("format"))
	if !format.Valid() {
		writeAppError(w, apperr.InvalidInput("format must be pdf or epub"))
		return
	}

	payload, err := s.artifacts.Get(jobID, format)
	if err != nil {
		writeAppError(w, err)
		return
	}

	filename := jobID
	if job, err := s.manager.Get(r.Context(), jobID); err == nil && job.Title != "" {
		filename = job.Title
	}

	if s.history != nil {
		if err := s.history.IncrementDownload(r.Context(), jobID, format); err != nil {
			s.logger.Warn("download counter update failed", "job_id", jobID, "error", err)
		}
	}

	w.Header().Set("Content-Type", format.MediaType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filename+"."+string(format)))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

type feedbackRequest struct {
	DeviceID         string `json:"device_id"`
	Response         string `json:"response"`
	UseCase          string `json:"use_case"`
	ConversionsToday int    `json:"conversions_today"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind := model.ResponseKind(req.Response)
	if !kind.Valid() {
		writeAppError(w, apperr.InvalidInput("response must be yes, no or maybe"))
		return
	}

	s.feedback.Add(r.Context(), model.FeedbackRecord{
		DeviceID:         req.DeviceID,
		Response:         kind,
		UseCase:          req.UseCase,
		ConversionsToday: req.ConversionsToday,
		SubmittedAt:      time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Metrics())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m := s.manager.Metrics()

	total := m.Completed + m.Failed
	successRate := 0.0
	if total > 0 {
		successRate = float64(m.Completed) / float64(total) * 100
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"completed_jobs": m.Completed,
		"failed_jobs":    m.Failed,
		"active_jobs":    m.Active,
		"queued_jobs":    m.Queued,
		"success_rate":   successRate,
		"feedback_count": s.feedback.Count(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleAdminStats serves the conversion audit log behind a shared
// password. The endpoint is disabled until a password is configured.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPassword == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable",
			fmt.Errorf("admin statistics are not configured"))
		return
	}

	supplied := r.Header.Get("X-Admin-Password")
	if supplied == "" {
		supplied = r.URL.Query().Get("password")
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.AdminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized",
			fmt.Errorf("invalid admin password"))
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable",
			fmt.Errorf("conversion audit log is not configured"))
		return
	}

	stats, err := s.history.Stats(r.Context())
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.CodeInternal, "load stats"))
		return
	}
	recent, err := s.history.Recent(r.Context(), 50)
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.CodeInternal, "load recent conversions"))
		return
	}
	errorBreakdown, err := s.history.ErrorBreakdown(r.Context())
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.CodeInternal, "load error breakdown"))
		return
	}
	daily, err := s.history.DailyTrend(r.Context(), 7)
	if err != nil {
		writeAppError(w, apperr.Wrap(err, apperr.CodeInternal, "load daily trend"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           stats,
		"recent":          recent,
		"error_breakdown": errorBreakdown,
		"daily":           daily,
	})
}
