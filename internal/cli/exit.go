package cli

import (
	"errors"
	"fmt"

	"bundleweaver/internal/classify"
	"bundleweaver/internal/config"
	"bundleweaver/internal/modgraph"
	"bundleweaver/internal/pipeline"
	"bundleweaver/internal/resolve"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError is returned for bad arguments or flags.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// configError marks failures to assemble the configuration.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var cfgErr *configError
	switch {
	case errors.As(err, &cfgErr),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, classify.ErrUnmatchedSource):
		return ExitConfigError
	case errors.Is(err, pipeline.ErrStageFailed),
		errors.Is(err, modgraph.ErrInvalidGraph),
		errors.Is(err, resolve.ErrUnresolved):
		return ExitBuildFailure
	}
	return ExitInternalError
}
