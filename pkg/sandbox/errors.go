package sandbox

import "fmt"

// NotFoundError is returned when the remote reports no sandbox for an id.
type NotFoundError struct {
	SandboxID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox not found: %s", e.SandboxID)
}

// InvalidURLError is returned when a provisioning call hands back
// something other than a usable http(s) URL. It is a hard failure for
// that creation attempt.
type InvalidURLError struct {
	Raw string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("sandbox API returned an invalid preview url: %q", e.Raw)
}
