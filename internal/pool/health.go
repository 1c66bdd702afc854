package pool

import "time"

// Limits are the thresholds of the refresh predicate.
type Limits struct {
	MaxAge      time.Duration
	MaxEmails   int
	MaxIdle     time.Duration
	MaxFailures int
}

// DefaultLimits returns the standard refresh thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxAge:      30 * time.Minute,
		MaxEmails:   1000,
		MaxIdle:     15 * time.Minute,
		MaxFailures: 3,
	}
}

// Refresh reasons reported by NeedsRefresh.
const (
	ReasonAge      = "max_age"
	ReasonEmails   = "max_emails"
	ReasonIdle     = "idle"
	ReasonNotReady = "not_ready"
	ReasonFailures = "consecutive_failures"
)

// Health tracks the usage of one cached transporter. It is a value type:
// transitions return the updated copy.
type Health struct {
	CreatedAt           time.Time
	LastUsed            time.Time
	Emails              int
	ConsecutiveFailures int
}

// NewHealth returns the health of a transporter created at now.
func NewHealth(now time.Time) Health {
	return Health{CreatedAt: now, LastUsed: now}
}

// RecordSuccess counts a successful dispatch and clears the failure streak.
func (h Health) RecordSuccess(now time.Time) Health {
	h.Emails++
	h.LastUsed = now
	h.ConsecutiveFailures = 0
	return h
}

// RecordFailure counts a failed dispatch.
func (h Health) RecordFailure(now time.Time) Health {
	h.Emails++
	h.LastUsed = now
	h.ConsecutiveFailures++
	return h
}

// NeedsRefresh reports whether the transporter must be replaced, and why.
// ready is the transporter's own readiness report.
func (h Health) NeedsRefresh(now time.Time, l Limits, ready bool) (bool, string) {
	switch {
	case l.MaxAge > 0 && now.Sub(h.CreatedAt) > l.MaxAge:
		return true, ReasonAge
	case l.MaxEmails > 0 && h.Emails > l.MaxEmails:
		return true, ReasonEmails
	case l.MaxIdle > 0 && now.Sub(h.LastUsed) > l.MaxIdle:
		return true, ReasonIdle
	case !ready:
		return true, ReasonNotReady
	case l.MaxFailures > 0 && h.ConsecutiveFailures >= l.MaxFailures:
		return true, ReasonFailures
	}
	return false, ""
}
