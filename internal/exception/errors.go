// Package exception holds the error taxonomy shared by the pipeline stages.
package exception

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLateTick          = errors.New("resample: late tick")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrAlreadySubscribed = errors.New("connector: already subscribed")
	ErrNotSubscribed     = errors.New("connector: not subscribed")
	ErrOutOfOrder        = errors.New("analytics: bar not after previous bar")
	ErrBarMismatch       = errors.New("analytics: bar starts differ")
)

// ConnectionError is a transient feed failure. It is retried with backoff and
// never surfaced to consumers as fatal.
type ConnectionError struct {
	Symbol  string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (attempt %d): %v", e.Symbol, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedMessageError is a feed payload that could not be normalized.
type MalformedMessageError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message for %s: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message for %s: %s", e.Symbol, e.Reason)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// InsufficientDataError is returned by statistics that need more points than
// the window holds.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d points, need %d", e.Have, e.Need)
}

// AlignmentGapError reports a bar present on one leg only.
type AlignmentGapError struct {
	Time    time.Time
	Missing string
}

func (e *AlignmentGapError) Error() string {
	return fmt.Sprintf("alignment gap at %s: missing %s", e.Time.UTC().Format(time.RFC3339), e.Missing)
}

// ConfigurationError collects every invalid option found during validation.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Add records a problem.
func (e *ConfigurationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when problems were recorded.
func (e *ConfigurationError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
