// Package jobs owns conversion job records, their state machine and the
// worker pool executing pipelines.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"readly/internal/apperr"
	"readly/internal/artifact"
	"readly/internal/history"
	"readly/internal/model"
	"readly/internal/pipeline"
	"readly/internal/ratelimit"
)

// ErrQueueFull is returned by Submit when the worker queue cannot accept
// another job. The admitted quota slot is not refunded; admission cost is
// charged once per attempt regardless of outcome.
var ErrQueueFull = &apperr.Error{
	Code:    apperr.CodeInternal,
	Message: "conversion queue is full, try again later",
}

// Runner executes one conversion pipeline; satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, url string, emit func(model.Phase)) (*pipeline.Result, error)
}

// ManagerOptions wires the manager's collaborators.
type ManagerOptions struct {
	Limiter   *ratelimit.Limiter
	Pipeline  Runner
	Artifacts *artifact.Store
	Mirror    *Mirror
	History   history.Store
	Logger    *slog.Logger

	WorkerPoolSize   int
	JobQueueCapacity int
	ArtifactTTL      time.Duration
	JobRetention     time.Duration
	PublicBaseURL    string
}

// Manager is the sole writer of job records. Transitions for a single job
// happen under the registry lock, so readers never observe a half-updated
// record and events are published in transition order.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job

	queue     chan *model.Job
	closeOnce sync.Once
	wg        sync.WaitGroup

	limiter     *ratelimit.Limiter
	pipeline    Runner
	artifacts   *artifact.Store
	broadcaster *Broadcaster
	waiters     *waiterSet
	mirror      *Mirror
	history     history.Store
	logger      *slog.Logger
	metrics     Metrics

	workers     int
	artifactTTL time.Duration
	retention   time.Duration
	baseURL     string
	now         func() time.Time
}

// NewManager constructs a stopped manager; call Start to launch workers.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:        make(map[string]*model.Job),
		queue:       make(chan *model.Job, opts.JobQueueCapacity),
		limiter:     opts.Limiter,
		pipeline:    opts.Pipeline,
		artifacts:   opts.Artifacts,
		broadcaster: NewBroadcaster(),
		waiters:     newWaiterSet(),
		mirror:      opts.Mirror,
		history:     opts.History,
		logger:      logger,
		workers:     opts.WorkerPoolSize,
		artifactTTL: opts.ArtifactTTL,
		retention:   opts.JobRetention,
		baseURL:     opts.PublicBaseURL,
		now:         time.Now,
	}
}

// Start launches the worker pool. Workers exit when Stop closes the queue
// or ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.logger.Info("worker pool started", "workers", m.workers)
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() { close(m.queue) })
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	for job := range m.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.process(ctx, job, id)
	}
}

// Limiter exposes the admission limiter for read-only quota display.
func (m *Manager) Limiter() *ratelimit.Limiter { return m.limiter }

// Metrics returns a snapshot of the job counters.
func (m *Manager) Metrics() MetricsSnapshot { return m.metrics.Snapshot() }

// Workers returns the configured pool size.
func (m *Manager) Workers() int { return m.workers }

// QueueCapacity returns the submission queue bound.
func (m *Manager) QueueCapacity() int { return cap(m.queue) }

// Submit validates the URL, asks the limiter for admission and enqueues a
// new job. Malformed URLs are rejected before the limiter so they never
// consume quota; a denied admission returns a rate_limited error carrying
// the reset hint and never materializes a job record.
func (m *Manager) Submit(ctx context.Context, deviceID, rawURL string) (*model.Job, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	adm := m.limiter.CheckAndIncrement(deviceID, m.now())
	if !adm.Allowed {
		return nil, apperr.RateLimited(adm.ResetSeconds)
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		SourceURL: rawURL,
		State:     model.StateQueued,
		CreatedAt: m.now(),
	}

	// Snapshot before the enqueue: once a worker holds the record it may
	// mutate it under the lock at any time, so the record itself must not
	// be read again here.
	m.mu.Lock()
	m.jobs[job.ID] = job
	snap := snapshot(job)
	m.mu.Unlock()
	m.metrics.queued.Add(1)

	// Mirror before the enqueue so a worker's later saves cannot be
	// overwritten by this stale queued record.
	m.mirror.Save(ctx, snap)

	select {
	case m.queue <- job:
	default:
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		m.metrics.queued.Add(-1)
		m.mirror.Delete(ctx, job.ID)
		m.logger.Warn("job rejected, queue full", "device_id", deviceID)
		return nil, ErrQueueFull
	}

	m.logger.Info("job queued", "job_id", job.ID, "url", rawURL, "remaining_quota", adm.Remaining)
	return snap, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.InvalidInput("url must be a valid http or https address")
	}
	return nil
}

// Get returns a snapshot of the job, falling back to the Redis mirror for
// records already evicted from memory.
func (m *Manager) Get(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	var snap *model.Job
	if ok {
		snap = snapshot(job)
	}
	m.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if mirrored := m.mirror.Load(ctx, jobID); mirrored != nil {
		return mirrored, nil
	}
	return nil, apperr.NotFoundf("job %s not found", jobID)
}

// List returns the device's jobs, most recent first, bounded by the
// retention window.
func (m *Manager) List(deviceID string) []*model.Job {
	cutoff := m.now().Add(-m.retention)

	m.mu.RLock()
	out := make([]*model.Job, 0, 8)
	for _, job := range m.jobs {
		if job.DeviceID == deviceID && job.CreatedAt.After(cutoff) {
			out = append(out, snapshot(job))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// WaitTerminal blocks until the job reaches a terminal state or ctx ends.
func (m *Manager) WaitTerminal(ctx context.Context, jobID string) (*model.Job, error) {
	ch := m.waiters.register(jobID)

	// The job may already be terminal; check after registering so a
	// transition between lookup and registration cannot be missed.
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	var done *model.Job
	if ok && job.State.Terminal() {
		done = snapshot(job)
	}
	m.mu.RUnlock()
	if !ok {
		m.waiters.unregister(jobID, ch)
		return nil, apperr.NotFoundf("job %s not found", jobID)
	}
	if done != nil {
		m.waiters.unregister(jobID, ch)
		return done, nil
	}

	select {
	case terminal, open := <-ch:
		if !open || terminal == nil {
			return m.Get(ctx, jobID)
		}
		return terminal, nil
	case <-ctx.Done():
		m.waiters.unregister(jobID, ch)
		return nil, ctx.Err()
	}
}

// SubscribeEvents opens the job's live event stream. The returned channel
// first delivers a snapshot event for the current state, then every later
// transition in order; a terminal event closes it. The caller must invoke
// cancel when done. Disconnecting never cancels the pipeline.
func (m *Manager) SubscribeEvents(ctx context.Context, jobID string) (<-chan model.Event, func(), error) {
	m.mu.RLock()
	if job, ok := m.jobs[jobID]; ok {
		ch, cancel := m.broadcaster.Subscribe(jobID, m.snapshotEvent(job))
		m.mu.RUnlock()
		return ch, cancel, nil
	}
	m.mu.RUnlock()

	// Evicted from memory; a mirrored record is necessarily terminal by
	// the time eviction happens, so the snapshot closes the stream. The
	// network lookup must not run under the registry lock; it would stall
	// every transition in the process on a slow Redis.
	if mirrored := m.mirror.Load(ctx, jobID); mirrored != nil {
		ch, cancel := m.broadcaster.Subscribe(jobID, m.snapshotEvent(mirrored))
		return ch, cancel, nil
	}
	return nil, nil, apperr.NotFoundf("job %s not found", jobID)
}

// snapshotEvent builds the synthetic event a late subscriber sees. The job
// must be a private copy or read under the registry lock.
func (m *Manager) snapshotEvent(job *model.Job) model.Event {
	switch job.State {
	case model.StateComplete:
		return model.CompleteEvent(job.ID, job.Title,
			m.artifactURL(job.ID, model.FormatPDF), m.artifactURL(job.ID, model.FormatEPUB))
	case model.StateError:
		return model.ErrorEvent(job.ID, job.FailureReason)
	default:
		return model.StatusEvent(job.ID, job.State, job.Phase)
	}
}

func (m *Manager) process(ctx context.Context, job *model.Job, workerID int) {
	m.metrics.queued.Add(-1)
	m.metrics.active.Add(1)
	defer m.metrics.active.Add(-1)

	m.logger.Info("job started", "worker", workerID, "job_id", job.ID, "url", job.SourceURL)

	m.mu.Lock()
	job.State = model.StateRunning
	job.StartedAt = m.now()
	m.broadcaster.Publish(job.ID, model.StartedEvent(job.ID))
	m.mu.Unlock()
	m.mirror.Save(ctx, snapshot(job))

	result, err := m.pipeline.Run(ctx, job.SourceURL, func(phase model.Phase) {
		m.setPhase(job, phase)
	})
	if err != nil {
		m.fail(ctx, job, err)
		return
	}
	m.complete(ctx, job, result)
}

func (m *Manager) setPhase(job *model.Job, phase model.Phase) {
	m.mu.Lock()
	job.Phase = phase
	m.broadcaster.Publish(job.ID, model.PhaseEvent(job.ID, phase))
	m.mu.Unlock()
}

// complete registers artifacts before the complete transition becomes
// visible, so any reader observing complete can already fetch them.
func (m *Manager) complete(ctx context.Context, job *model.Job, result *pipeline.Result) {
	for format, payload := range result.Artifacts {
		if err := m.artifacts.Put(job.ID, format, payload, m.artifactTTL); err != nil {
			m.fail(ctx, job, apperr.Wrapf(err, apperr.CodeInternal, "store %s artifact", format))
			return
		}
	}

	m.mu.Lock()
	job.Title = result.Title
	job.CompletedAt = m.now()
	job.Phase = ""
	job.State = model.StateComplete
	m.broadcaster.Publish(job.ID, model.CompleteEvent(job.ID, job.Title,
		m.artifactURL(job.ID, model.FormatPDF), m.artifactURL(job.ID, model.FormatEPUB)))
	snap := snapshot(job)
	m.mu.Unlock()

	m.metrics.completed.Add(1)
	m.mirror.Save(ctx, snap)
	m.waiters.notify(snap)
	m.record(ctx, snap, result)
	m.logger.Info("job complete", "job_id", job.ID, "title", result.Title,
		"elapsed", result.Elapsed.Round(time.Millisecond).String())
}

// fail sets the classified failure reason before the error state becomes
// observable. Failed attempts keep their quota slot.
func (m *Manager) fail(ctx context.Context, job *model.Job, cause error) {
	reason := string(apperr.CodeOf(cause))

	m.mu.Lock()
	job.FailureReason = reason
	job.CompletedAt = m.now()
	job.Phase = ""
	job.State = model.StateError
	m.broadcaster.Publish(job.ID, model.ErrorEvent(job.ID, reason))
	snap := snapshot(job)
	m.mu.Unlock()

	m.metrics.failed.Add(1)
	m.mirror.Save(ctx, snap)
	m.waiters.notify(snap)
	m.record(ctx, snap, nil)
	m.logger.Warn("job failed", "job_id", job.ID, "reason", reason, "error", cause)
}

func (m *Manager) record(ctx context.Context, job *model.Job, result *pipeline.Result) {
	if m.history == nil {
		return
	}
	entry := history.Entry{
		JobID:         job.ID,
		DeviceID:      job.DeviceID,
		URL:           job.SourceURL,
		Title:         job.Title,
		Status:        string(job.State),
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
	}
	if result != nil {
		entry.PDFSize = int64(len(result.Artifacts[model.FormatPDF]))
		entry.EPUBSize = int64(len(result.Artifacts[model.FormatEPUB]))
		entry.Elapsed = result.Elapsed.Seconds()
	}
	if err := m.history.Record(ctx, entry); err != nil {
		m.logger.Warn("conversion audit record failed", "job_id", job.ID, "error", err)
	}
}

// RunCleanup evicts terminal jobs older than the retention window from
// the in-memory registry once per hour until ctx is canceled. Mirrored
// copies in Redis expire on their own TTL.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.CleanupOldJobs(m.now()); n > 0 {
				m.logger.Info("old jobs evicted", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CleanupOldJobs removes terminal jobs created before the retention cutoff
// and returns how many were evicted. Running jobs are never evicted.
func (m *Manager) CleanupOldJobs(now time.Time) int {
	cutoff := now.Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, job := range m.jobs {
		if job.State.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			evicted++
		}
	}
	return evicted
}

// ArtifactURL returns the download locator for one (job, format) pair.
func (m *Manager) ArtifactURL(jobID string, format model.Format) string {
	return m.artifactURL(jobID, format)
}

func (m *Manager) artifactURL(jobID string, format model.Format) string {
	return fmt.Sprintf("%s/download/%s/%s", m.baseURL, jobID, format)
}

func snapshot(job *model.Job) *model.Job {
	copied := *job
	return &copied
}
