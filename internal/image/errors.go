package image

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidReference   = errors.New("invalid image reference")
	ErrInvalidTag         = errors.New("invalid image tag")
	ErrEmptyPackages      = errors.New("packages list cannot be empty")
	ErrBuildFailed        = errors.New("image build failed")
	ErrBuilderUnavailable = errors.New("image builder unavailable")
)

// BuildError wraps a build failure with the operation that failed. All build
// failure modes (builder missing, network unreachable, package install failure)
// unwrap to ErrBuildFailed; a partially layered image is never published.
type BuildError struct {
	Op     string
	Detail string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func buildErr(op, detail string) error {
	return &BuildError{Op: op, Detail: detail, Err: ErrBuildFailed}
}
