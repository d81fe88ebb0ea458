package transformer

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedLocation  = errors.New("malformed location")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrMissingField       = errors.New("missing field")
	ErrInvalidField       = errors.New("invalid field")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// FieldError ties a validation failure to the JSON path that caused it.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &FieldError{Field: field, Err: ErrMissingField}
}

func invalid(field, want string) error {
	return &FieldError{Field: field, Err: fmt.Errorf("%w: expected %s", ErrInvalidField, want)}
}

// Kind returns a short, stable name for the error class, used in API
// responses and log lines.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedLocation):
		return "MalformedLocation"
	case errors.Is(err, ErrMalformedTimestamp):
		return "MalformedTimestamp"
	case errors.Is(err, ErrMissingField):
		return "MissingField"
	case errors.Is(err, ErrInvalidField):
		return "InvalidField"
	case errors.Is(err, ErrInvalidPayload):
		return "InvalidPayload"
	default:
		return "Unknown"
	}
}
