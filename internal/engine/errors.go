package engine

import (
	"errors"
	"fmt"
)

// RedirectError reports that the requested step cannot be served now and
// names the step to show instead. It is a control-flow signal, not a failure:
// transports answer it with the target step and no mutation has happened.
type RedirectError struct {
	// Requested describes what the caller asked for.
	Requested string

	// Step is where the participant belongs.
	Step Step
}

// Error implements the error interface.
func (e *RedirectError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("redirect: %s -> %s", e.Requested, e.Step)
	}
	return fmt.Sprintf("redirect: %s", e.Step)
}

// AsRedirect returns the redirect target if err is a *RedirectError.
// Uses errors.As to handle wrapped errors.
func AsRedirect(err error) (Step, bool) {
	var re *RedirectError
	if errors.As(err, &re) {
		return re.Step, true
	}
	return Step{}, false
}

// IsRedirect returns true if err is a *RedirectError.
func IsRedirect(err error) bool {
	_, ok := AsRedirect(err)
	return ok
}

func redirect(requested string, step Step) *RedirectError {
	return &RedirectError{Requested: requested, Step: step}
}
