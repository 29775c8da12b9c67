package recurring

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")

	ErrNilAction           = fmt.Errorf("%w: action is nil", ErrInvalidArgument)
	ErrNegativeDueTime     = fmt.Errorf("%w: due time must be >= 0 or Infinite", ErrInvalidArgument)
	ErrNegativePeriod      = fmt.Errorf("%w: period must be >= 0 or Infinite", ErrInvalidArgument)
	ErrNegativeMaxInFlight = fmt.Errorf("%w: max in-flight must be >= 0", ErrInvalidArgument)

	// ErrActionFailed matches every *ActionError via errors.Is.
	ErrActionFailed = errors.New("action failed")
)

// ActionError describes one failed invocation. Either Err or Panic is set.
type ActionError struct {
	Scheduler string
	Tick      uint64
	Err       error
	Panic     any
	Stack     string
}

func (e *ActionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s tick %d: panic: %v", e.Scheduler, e.Tick, e.Panic)
	}
	return fmt.Sprintf("%s tick %d: %v", e.Scheduler, e.Tick, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Is(target error) bool { return target == ErrActionFailed }
