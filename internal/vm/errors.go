package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Only host/infrastructure faults
// surface as errors; guest program failures (non-zero exits, uncaught
// exceptions, deadline overruns) are encoded in the Result instead.
var (
	ErrInvalidConfig       = errors.New("invalid resource configuration")
	ErrImagePreparation    = errors.New("image could not be prepared")
	ErrLaunch              = errors.New("vm launch failed")
	ErrLauncherUnavailable = errors.New("no vm launcher available")
)

// OpError wraps an error with the execution and operation it belongs to.
type OpError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *OpError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsInvalidConfig reports whether err is a configuration validation failure.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsLaunchFailure reports whether err means the VM could not be instantiated.
func IsLaunchFailure(err error) bool {
	return errors.Is(err, ErrLaunch)
}
