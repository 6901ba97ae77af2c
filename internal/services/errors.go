package services

import (
	"errors"
	"fmt"

	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrStageOutputNotFound = errors.New("stage output not found")
)

// TransitionError rejects an operation the job's current status does not allow.
type TransitionError struct {
	Op     string
	Status jobs.Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s a %s job: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s a %s job", e.Op, e.Status)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func validationFrom(err error) error {
	var ie *orchestrator.InputError
	if errors.As(err, &ie) {
		return &ValidationError{Field: ie.Field, Reason: ie.Reason}
	}
	return err
}
