package services

import (
	"errors"
	"fmt"
)

// Error classes. Every error a service returns wraps exactly one of these so
// the HTTP layer can pick a status with errors.Is.
var (
	ErrValidation              = errors.New("validation error")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("conflict")
	ErrSignature               = errors.New("signature verification failed")
	ErrConfiguration           = errors.New("configuration error")
	ErrExternalService         = errors.New("external service error")
	ErrReconciliationAmbiguous = errors.New("settlement outcome unknown")
)

var (
	ErrInsufficientInventory     = fmt.Errorf("%w: insufficient available amount", ErrConflict)
	ErrInsufficientTreasuryFunds = fmt.Errorf("%w: insufficient treasury balance", ErrConflict)
	ErrInsufficientCredits       = fmt.Errorf("%w: insufficient credits", ErrConflict)
	ErrSettlementFailed          = fmt.Errorf("%w: settlement failed", ErrExternalService)
	ErrConcurrentModification    = fmt.Errorf("%w: concurrent modification detected", ErrConflict)
	ErrInvalidTransition         = fmt.Errorf("%w: invalid subscription transition", ErrConflict)
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}
