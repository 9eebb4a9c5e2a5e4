package validation

import "errors"

var (
	// ErrAttemptInFlight is returned by Session.Validate while an earlier
	// attempt has not delivered its result yet.
	ErrAttemptInFlight = errors.New("validation attempt already in flight")
	// ErrSessionClosed is returned by Session.Validate after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyToken is returned when Validate is called with an empty token.
	ErrEmptyToken = errors.New("token is empty")
	// ErrNotAuthorized is returned by Validator.Validate when validation
	// produced no shared secret.
	ErrNotAuthorized = errors.New("token not authorized")

	// ErrUnexpectedStatus means the validation service answered with a
	// status other than 200.
	ErrUnexpectedStatus = errors.New("unexpected validation response status")
	// ErrMalformedResponse means the response body is not a JSON object.
	ErrMalformedResponse = errors.New("malformed validation response")
	// ErrScopeMismatch means the response scope differs from the required one.
	ErrScopeMismatch = errors.New("validation response scope mismatch")
)
