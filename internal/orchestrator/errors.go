package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden means the requester's URN does not cover the generation's
	// owner scope.
	ErrForbidden = errors.New("requester does not own this generation")

	// ErrBadCallback means the compute backend posted a callback this
	// service cannot interpret. The backend should not retry these.
	ErrBadCallback = errors.New("malformed compute callback")

	// ErrValidation covers request-shape failures detected before the spec
	// validator runs, such as a project id on a personally-owned request.
	ErrValidation = errors.New("invalid generation request")
)

// AlreadyTerminalError reports a cancel or terminal callback that arrived
// after the generation had already settled. It carries the settled status so
// the API layer can include it in the 409 body.
type AlreadyTerminalError struct {
	Status string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("generation already terminal: %s", e.Status)
}
