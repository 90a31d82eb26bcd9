package model

import "time"

// ResponseKind is a caller-submitted satisfaction answer.
type ResponseKind string

const (
	ResponseYes   ResponseKind = "yes"
	ResponseNo    ResponseKind = "no"
	ResponseMaybe ResponseKind = "maybe"
)

// Valid reports whether k is a known response kind.
func (k ResponseKind) Valid() bool {
	return k == ResponseYes || k == ResponseNo || k == ResponseMaybe
}

// FeedbackRecord is one append-only satisfaction response. Records are
// never updated or deleted.
type FeedbackRecord struct {
	DeviceID         string       `json:"device_id"`
	Response         ResponseKind `json:"response"`
	UseCase          string       `json:"use_case,omitempty"`
	ConversionsToday int          `json:"conversions_today"`
	SubmittedAt      time.Time    `json:"submitted_at"`
}
