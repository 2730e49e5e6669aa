package timeout

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports that a governed operation missed its deadline. The
// operation itself may still be running.
type TimeoutError struct {
	Kind    string
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Kind, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err is, or wraps, a timeout from this package.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
