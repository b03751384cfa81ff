package pipeline

import (
	"errors"
	"fmt"
)

// SetupError reports that a stage could not start: an extractor or
// comparator is unavailable, or the configuration is unusable. No work has
// been done when it is returned.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s setup failed: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err is or wraps a *SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
