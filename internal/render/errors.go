package render

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyFinalized is returned when Finalize is called twice on one Result.
var ErrAlreadyFinalized = errors.New("render result already finalized")

// ConfigError reports invalid or missing startup configuration. It is always
// surfaced synchronously from setup and is never recoverable.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a request that failed a configured check, such as a
// host missing from the whitelist.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// RenderError reports a failure raised inside the in-context visit that was
// not classified as benign.
type RenderError struct {
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("render error: %s", e.Reason)
}

func (e *RenderError) Unwrap() error { return e.Err }

// DeadlineError is installed on a result when the per-visit deadline fires and
// the execution context is forcefully reloaded.
type DeadlineError struct {
	Millis int
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("application instance forcefully destroyed after %dms", e.Millis)
}

// benignFragments are message substrings that identify expected termination
// noise: the surface or its session being closed underneath an in-flight
// operation, usually by deadline enforcement or instance teardown.
var benignFragments = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"session closed",
	"target closed",
	"browser has disconnected",
	"browser is closed",
	"navigation interrupted",
	"websocket: close",
	"context canceled",
}

// IsBenignTermination reports whether err is expected shutdown noise rather
// than a genuine render failure.
func IsBenignTermination(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range benignFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
