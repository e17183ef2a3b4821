package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrWrongPhase          = errors.New("operation not allowed in current phase")
	ErrNothingScanned      = errors.New("nothing has been scanned yet")
	ErrSubmissionInFlight  = errors.New("submission already in progress")
	ErrInvalidRegistration = errors.New("registration must be at least 3 characters")
	ErrSelectionCancelled  = errors.New("entity selection was cancelled")
)

// MissingProofError names the first proof still required before submitting.
type MissingProofError struct {
	Field string
}

func (e *MissingProofError) Error() string {
	return fmt.Sprintf("%s is required before submitting", e.Field)
}

func phaseError(op string, phase Phase) error {
	return fmt.Errorf("%s in %s: %w", op, phase, ErrWrongPhase)
}

// permanent is satisfied by backend errors that no retry can fix.
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}
