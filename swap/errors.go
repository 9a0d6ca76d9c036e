/*
errors.go - Error taxonomy for the hold ledger

PURPOSE:
  All error types in one place. Every structured error unwraps to a
  sentinel so callers classify with errors.Is, and the HTTP layer maps
  categories to status codes:

    ClientError        -> 400  bad input, mismatched codes, insufficient funds
    AuthorizationError -> 403  staff not assigned to the booking's station
    NotFoundError      -> 404  missing booking, battery, payment, ...
    StateError         -> 409  booking already settled by someone else
    IntegrityError     -> 500  held resource vanished or payment in wrong state

SEE ALSO:
  - ledger.go, completion.go: Produce these errors
  - api/handlers.go: Maps them to HTTP responses
*/
package swap

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for requests that can never succeed as sent.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientFunds is returned when a wallet cannot cover a hold.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")

	// ErrInsufficientAllowance is returned when a subscription has too few swaps left.
	ErrInsufficientAllowance = errors.New("insufficient swap allowance")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not act on the booking.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadySettled is returned when a booking (or payment) already left
	// the state the operation requires. The caller lost the race.
	ErrAlreadySettled = errors.New("already settled")

	// ErrIntegrity is returned when stored state contradicts the ledger.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ClientError describes a request the caller must fix.
type ClientError struct {
	Field   string
	Message string
}

func (e *ClientError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ClientError) Unwrap() error { return ErrInvalidInput }

func clientErrorf(field, format string, args ...any) error {
	return &ClientError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type InsufficientFundsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient wallet balance for %s: available %s, requested %s",
		e.UserID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type InsufficientAllowanceError struct {
	SubscriptionID SubscriptionID
	Remaining      int
	Requested      int
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("subscription %s has %d swaps left, %d requested",
		e.SubscriptionID, e.Remaining, e.Requested)
}

func (e *InsufficientAllowanceError) Unwrap() error { return ErrInsufficientAllowance }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound[T ~string](resource string, id T) error {
	return &NotFoundError{Resource: resource, ID: string(id)}
}

type AuthorizationError struct {
	ActorID   UserID
	StationID StationID
	Reason    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not act at station %s: %s", e.ActorID, e.StationID, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// StateError is returned when the guarded status update matched nothing.
type StateError struct {
	BookingID BookingID
	Status    BookingStatus
}

func (e *StateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("booking %s already settled", e.BookingID)
	}
	return fmt.Sprintf("booking %s already settled (status %s)", e.BookingID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrAlreadySettled }

type IntegrityError struct {
	BookingID BookingID
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("booking %s: %s", e.BookingID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientAllowance)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsAuthorization(err error) bool { return errors.Is(err, ErrForbidden) }

func IsConflict(err error) bool { return errors.Is(err, ErrAlreadySettled) }

func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }
