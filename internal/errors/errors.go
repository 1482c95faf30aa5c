// Package errors defines the error types surfaced by the ETL pipeline.
package errors

import "fmt"

// ErrUnknownSeverity is returned when an upstream source reports a severity
// string outside the canonical vocabulary. It is never silently coerced.
type ErrUnknownSeverity struct {
	Severity string
}

func (e *ErrUnknownSeverity) Error() string {
	return fmt.Sprintf("unknown severity: %q", e.Severity)
}

// ErrSourceUnavailable is returned when an upstream API responds with a
// non-success status. The error is propagated, not retried.
type ErrSourceUnavailable struct {
	Source string // e.g. "github", "codecov"
	Op     string // the operation that failed
	Err    error
}

func (e *ErrSourceUnavailable) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *ErrSourceUnavailable) Unwrap() error {
	return e.Err
}

// ErrConfiguration is returned for invalid configuration, including an empty
// repository list and branch names outside the container image naming
// convention.
type ErrConfiguration struct {
	Msg string
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Msg)
}

// ErrScanTool is returned when the external vulnerability scanner exits
// non-zero or produces unparseable output.
type ErrScanTool struct {
	Image  string
	Stderr string
	Err    error
}

func (e *ErrScanTool) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("scanning %s: %v: %s", e.Image, e.Err, e.Stderr)
	}
	return fmt.Sprintf("scanning %s: %v", e.Image, e.Err)
}

func (e *ErrScanTool) Unwrap() error {
	return e.Err
}
