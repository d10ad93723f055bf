package pipeline

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// Build stages reported in BuildError.
const (
	StageCheckout = "checkout"
	StageDetect   = "detect"
	StageBuild    = "build"
	StageStart    = "start"
)

// BuildError reports which stage of a deployment failed.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// stageError wraps err for stage. Deterministic failures are marked
// permanent so the queue does not retry them.
func stageError(stage string, err error, permanent bool) error {
	be := &BuildError{Stage: stage, Err: err}
	if permanent {
		return backoff.Permanent(be)
	}
	return be
}

// AsBuildError extracts a BuildError from err.
func AsBuildError(err error) (*BuildError, bool) {
	var be *BuildError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
