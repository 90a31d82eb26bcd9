package model

// EventKind discriminates progress events on a job's live stream.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventFetching    EventKind = "fetching"
	EventExtracting  EventKind = "extracting"
	EventEncoding    EventKind = "encoding"
	EventComplete    EventKind = "complete"
	EventError       EventKind = "error"
	EventRateLimited EventKind = "rate_limited"
	// EventStatus is the synthetic snapshot delivered to a subscriber that
	// connects after transitions have already happened.
	EventStatus EventKind = "status"
)

// Event is one entry on a job's live progress stream. Kind determines
// which of the optional fields are populated; use the constructors below
// rather than filling the struct by hand.
type Event struct {
	Kind  EventKind `json:"kind"`
	JobID string    `json:"job_id,omitempty"`

	// complete payload
	Title   string `json:"title,omitempty"`
	PDFURL  string `json:"pdf_url,omitempty"`
	EPUBURL string `json:"epub_url,omitempty"`

	// error payload
	Reason string `json:"reason,omitempty"`

	// rate_limited payload
	ResetSeconds int `json:"reset_seconds,omitempty"`

	// status payload
	State JobState `json:"state,omitempty"`
	Phase Phase    `json:"phase,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError || e.Kind == EventRateLimited
}

// StartedEvent marks the job's transition into running.
func StartedEvent(jobID string) Event {
	return Event{Kind: EventStarted, JobID: jobID}
}

// PhaseEvent converts a pipeline phase into its stream event.
func PhaseEvent(jobID string, phase Phase) Event {
	switch phase {
	case PhaseExtracting:
		return Event{Kind: EventExtracting, JobID: jobID}
	case PhaseEncoding:
		return Event{Kind: EventEncoding, JobID: jobID}
	default:
		return Event{Kind: EventFetching, JobID: jobID}
	}
}

// CompleteEvent carries the title and artifact locators of a finished job.
func CompleteEvent(jobID, title, pdfURL, epubURL string) Event {
	return Event{Kind: EventComplete, JobID: jobID, Title: title, PDFURL: pdfURL, EPUBURL: epubURL}
}

// ErrorEvent carries the classified failure reason of a failed job.
func ErrorEvent(jobID, reason string) Event {
	return Event{Kind: EventError, JobID: jobID, Reason: reason}
}

// RateLimitedEvent is the single terminal event emitted when admission is
// denied; no job record exists behind it.
func RateLimitedEvent(resetSeconds int) Event {
	return Event{Kind: EventRateLimited, ResetSeconds: resetSeconds}
}

// StatusEvent is the snapshot sent to a late subscriber before live
// transitions resume.
func StatusEvent(jobID string, state JobState, phase Phase) Event {
	return Event{Kind: EventStatus, JobID: jobID, State: state, Phase: phase}
}
