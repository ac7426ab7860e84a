package pipeline

import (
	"errors"
	"fmt"
)

// ErrStageFailed marks a failed external transform or minify invocation.
var ErrStageFailed = errors.New("stage failed")

// StageError names the stage and the file or chunk that failed.
type StageError struct {
	Stage   string
	Subject string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s on %s: %v", ErrStageFailed, e.Stage, e.Subject, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{ErrStageFailed, e.Err} }
