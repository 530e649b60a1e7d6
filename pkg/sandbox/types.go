package sandbox

import (
	"net/url"
	"strings"
	"time"
)

// Record describes one provisioned sandbox. It is passed around by value;
// the lifecycle manager never mutates a caller's record in place.
type Record struct {
	SandboxID string    `json:"sandboxId"`
	URL       string    `json:"url"`
	Provider  string    `json:"provider"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Action is the lifecycle decision taken for a sandbox slot.
type Action int

const (
	ActionCreated Action = iota
	ActionReused
	ActionRecreated
)

func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionReused:
		return "reused"
	case ActionRecreated:
		return "recreated"
	}
	return "unknown"
}

// Reason explains a Recreated action. It is observability data, never an
// error: an expired or vanished sandbox is a steady-state condition.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonExpired
	ReasonStatusFailed
	ReasonNotFound
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonExpired:
		return "expired"
	case ReasonStatusFailed:
		return "status_failed"
	case ReasonNotFound:
		return "not_found"
	}
	return "unknown"
}

// ValidatePreviewURL rejects anything that is not a plain http(s) URL.
// The remote API has been seen returning diagnostic strings in the url
// field; those must never be stored as a preview URL.
func ValidatePreviewURL(raw string) error {
	if raw == "" {
		return &InvalidURLError{Raw: raw}
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return &InvalidURLError{Raw: raw}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &InvalidURLError{Raw: raw}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &InvalidURLError{Raw: raw}
	}
	if u.Host == "" {
		return &InvalidURLError{Raw: raw}
	}
	return nil
}
