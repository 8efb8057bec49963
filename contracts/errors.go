package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is matched by every validation failure
var ErrInvalidEnvelope = errors.New("contracts: invalid envelope")

// ValidationError reports an envelope that can never be persisted as sent
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid envelope: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes every ValidationError match ErrInvalidEnvelope
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEnvelope
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "required field missing"}
}
