// Package ratelimit implements per-device sliding-window admission
// control for conversion attempts.
package ratelimit

import (
	"sync"
	"time"
)

// Admission is the answer to an admission or quota query.
type Admission struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

type record struct {
	windowStart time.Time
	count       int
}

// Limiter counts admitted conversion attempts per device token within a
// rolling window. Records are created lazily and reset lazily: a window
// restarts at the first request arriving after it has elapsed, never at a
// calendar boundary.
//
// Admitted attempts are never refunded; a pipeline that later fails still
// cost its slot.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	records map[string]*record
}

// New creates a Limiter admitting at most max attempts per device within
// each window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		records: make(map[string]*record),
	}
}

// Max returns the configured per-window maximum.
func (l *Limiter) Max() int { return l.max }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// CheckAndIncrement evaluates admission for deviceID at time now and, when
// allowed, consumes one slot. The mutex makes the check-then-increment
// atomic: two concurrent calls competing for the last slot can never both
// be admitted.
func (l *Limiter) CheckAndIncrement(deviceID string, now time.Time) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(deviceID, now)
	if rec.count < l.max {
		rec.count++
		return Admission{Allowed: true, Remaining: l.max - rec.count}
	}
	return Admission{Allowed: false, Remaining: 0, ResetSeconds: l.resetSecondsLocked(rec, now)}
}

// Peek reports the device's quota without consuming a slot. It applies the
// same lazy window reset as CheckAndIncrement so a stale window does not
// under-report remaining quota.
func (l *Limiter) Peek(deviceID string, now time.Time) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(deviceID, now)
	if rec.count < l.max {
		return Admission{Allowed: true, Remaining: l.max - rec.count}
	}
	return Admission{Allowed: false, Remaining: 0, ResetSeconds: l.resetSecondsLocked(rec, now)}
}

func (l *Limiter) recordLocked(deviceID string, now time.Time) *record {
	rec, ok := l.records[deviceID]
	if !ok {
		rec = &record{windowStart: now}
		l.records[deviceID] = rec
		return rec
	}
	if now.Sub(rec.windowStart) >= l.window {
		rec.windowStart = now
		rec.count = 0
	}
	return rec
}

// resetSecondsLocked rounds up to a whole second so a denied caller never
// sees zero.
func (l *Limiter) resetSecondsLocked(rec *record, now time.Time) int {
	remaining := l.window - now.Sub(rec.windowStart)
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
