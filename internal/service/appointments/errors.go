package appointments

import (
	"errors"
	"fmt"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// SlotUnavailableError means the pool has no free slot left, or the
// requested slot is already held.
type SlotUnavailableError struct {
	Pool domain.Pool
	Slot int
}

func (e *SlotUnavailableError) Error() string {
	if e.Slot > 0 {
		return fmt.Sprintf("slot %d is not available", e.Slot)
	}
	return "no slots available for " + e.Pool.Date.Format(domain.DateLayout)
}

type EligibilityError struct {
	Eligibility domain.Eligibility
}

func (e *EligibilityError) Error() string {
	return "reschedule not allowed: " + e.Eligibility.Reason
}

type ConflictError struct {
	msg string
}

func (e *ConflictError) Error() string {
	return e.msg
}

func conflictError(msg string) error {
	return &ConflictError{msg: msg}
}

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// translate maps store sentinels that escape a transaction onto the service
// taxonomy. Errors already in the taxonomy pass through untouched.
func translate(err error, resource string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Resource: resource}
	case errors.Is(err, store.ErrStaleVersion):
		return conflictError("appointment changed concurrently, retry")
	case errors.Is(err, store.ErrIdempotencyConflict):
		return conflictError("idempotency key already used for a different request")
	case errors.Is(err, domain.ErrInvalidTransition):
		return conflictError("appointment is no longer active")
	}
	return err
}
