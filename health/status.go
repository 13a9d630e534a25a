package health

import (
	"regexp"
	"time"
)

// Status levels.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s,]+`)
	pathRegex       = regexp.MustCompile(`(?:^|\s)/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)s?\s*[:=]\s*[^,\s}]+`)
)

// Status is the health of one part, optionally with the statuses of its parts.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries counters shown next to a status.
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StatusHealthy }

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StatusDegraded }

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// WithMetrics returns a copy with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with sub appended. The receiver's slice is
// never shared with the copy.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// Check is a point-in-time probe result of one part of a node.
type Check struct {
	Healthy bool
	// Degraded marks a working part that is running with reduced service.
	Degraded   bool
	LastError  error
	ErrorCount int
	Uptime     time.Duration
	Processed  int64
	LastActive time.Time
}

// FromCheck turns a probe result into a status. Error text is sanitized
// since statuses are served over HTTP.
func FromCheck(name string, c Check) Status {
	var s Status
	switch {
	case !c.Healthy:
		s = NewUnhealthy(name, "failing")
	case c.Degraded:
		s = NewDegraded(name, "degraded")
	default:
		s = NewHealthy(name, "ok")
	}
	if c.LastError != nil {
		s.Message = sanitize(c.LastError.Error())
	}
	if c.Uptime > 0 || c.ErrorCount > 0 || c.Processed > 0 || !c.LastActive.IsZero() {
		s.Metrics = &Metrics{
			Uptime:            c.Uptime,
			ErrorCount:        c.ErrorCount,
			MessagesProcessed: c.Processed,
			LastActivity:      c.LastActive,
		}
	}
	return s
}

// sanitize strips broker URLs, addresses, file paths and credentials.
func sanitize(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return pathRegex.ReplaceAllStringFunc(msg, func(m string) string {
		if m[0] == '/' {
			return "[PATH]"
		}
		return m[:1] + "[PATH]"
	})
}
