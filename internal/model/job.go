// Package model holds the value types shared between the job manager,
// the pipeline and the HTTP boundary.
package model

import "time"

// JobState represents the current state of a conversion job.
type JobState string

const (
	StateQueued      JobState = "queued"
	StateRunning     JobState = "running"
	StateComplete    JobState = "complete"
	StateError       JobState = "error"
	StateRateLimited JobState = "rate_limited"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateRateLimited
}

// Format identifies one of the two supported output document formats.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatEPUB Format = "epub"
)

// Formats lists every supported output format.
var Formats = []Format{FormatPDF, FormatEPUB}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	return f == FormatPDF || f == FormatEPUB
}

// MediaType returns the MIME type served for the format.
func (f Format) MediaType() string {
	if f == FormatEPUB {
		return "application/epub+zip"
	}
	return "application/pdf"
}

// Job holds information about a single conversion attempt. The job manager
// is the sole writer; everything else reads snapshots.
type Job struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id,omitempty"`
	SourceURL     string    `json:"source_url"`
	State         JobState  `json:"state"`
	Phase         Phase     `json:"phase,omitempty"`
	Title         string    `json:"title,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Phase is a pipeline progress milestone within the running state.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseExtracting Phase = "extracting"
	PhaseEncoding   Phase = "encoding"
)

// Content is the structured article content produced by the rendering
// collaborator and consumed by the encoders.
type Content struct {
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Markup      string    `json:"markup"`
	SourceURL   string    `json:"source_url"`
	PublishedAt time.Time `json:"published_at"`
}
