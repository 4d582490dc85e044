package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

// ValidationError reports an event rejected before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validator defines contract for event validation units.
type Validator interface {
	Validate(ctx context.Context, event *models.QueuedEvent) error
	Supports(eventType string) bool
}

// Chain applies a list of validators sequentially.
type Chain struct {
	validators []Validator
}

// NewChain constructs a validator chain.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Validate executes validators in order until an error occurs.
func (c *Chain) Validate(ctx context.Context, event *models.QueuedEvent) error {
	if c == nil {
		return nil
	}
	if event == nil {
		return invalid("event", "missing")
	}
	for _, v := range c.validators {
		if v.Supports(event.EventType) {
			if err := v.Validate(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}
