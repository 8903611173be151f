package billing

import (
	"errors"
	"fmt"
)

// ErrUnauthorized means the billing authority rejected the API key. Callers
// treat it as a pass-through rather than a failure.
var ErrUnauthorized = errors.New("billing api key rejected")

// ErrMalformedResponse is wrapped in an UnreachableError when the authority
// answers with a body that cannot be understood.
var ErrMalformedResponse = errors.New("malformed billing response")

// DeclinedError is a business rejection reported by the authority.
type DeclinedError struct {
	Type       string
	Message    string
	StatusCode int
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("billing request declined: [%s] %s", e.Type, e.Message)
}

// UnreachableError covers transport failures, timeouts, unexpected HTTP
// statuses and an open circuit breaker.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("billing %s unreachable: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func outcomeOf(err error) string {
	var declined *DeclinedError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &declined):
		return "declined"
	default:
		return "unreachable"
	}
}
