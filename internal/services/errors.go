package services

import (
	"errors"
	"fmt"

	"github.com/medina-market/api/internal/payments"
	"github.com/medina-market/api/internal/repositories"
)

var (
	// ErrValidation signals the caller provided invalid data.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates the operation is not allowed in the entity's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound indicates the entity could not be located.
	ErrNotFound = errors.New("not found")
	// ErrDuplicatePayment indicates the order already has an open payment.
	ErrDuplicatePayment = errors.New("duplicate payment")
	// ErrConflict indicates an optimistic concurrency conflict that survived retries.
	ErrConflict = errors.New("conflict")
)

// GatewayError is returned when an external payment gateway call fails.
type GatewayError = payments.GatewayError

const maxConflictAttempts = 3

// mapRepositoryError translates persistence categories into service sentinels.
func mapRepositoryError(entity string, err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s: %v", ErrNotFound, entity, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s: %v", ErrConflict, entity, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%s: repository unavailable: %w", entity, err)
		}
	}
	return err
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStateError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
