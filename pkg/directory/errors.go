package directory

import "fmt"

// Error is returned when the directory service cannot hand out a pool:
// transport failure, timeout, non-200 status or an unexpected payload.
type Error struct {
	Target     string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("directory: target %s: unexpected status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("directory: target %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
