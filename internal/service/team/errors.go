package team

import "errors"

var (
	// ErrMissingPrecondition is returned when a conditional mutation
	// arrives without an etag.
	ErrMissingPrecondition = errors.New("team: etag precondition required")
	// ErrForbidden is returned when the policy oracle denies the actor.
	ErrForbidden = errors.New("team: forbidden")
)

// ValidationError reports a payload that fails the team structural
// invariants. It is always raised before any durable write.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}
