package reservation

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no reservation matches the lookup.
	ErrNotFound = errors.New("reservation: not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("reservation: invalid status transition")
	// ErrPaymentConflict is returned when a payment cannot be attached because the
	// reservation left PENDING or its payment id changed since it was read.
	ErrPaymentConflict = errors.New("reservation: payment attachment conflict")
)

// Store persists reservations on behalf of the payment reconciler.
type Store interface {
	Create(ctx context.Context, r Reservation) (Reservation, error)
	FindByID(ctx context.Context, id string) (Reservation, error)
	FindByPaymentID(ctx context.Context, paymentID string) (Reservation, error)
	Save(ctx context.Context, r Reservation) error
	// AttachPayment replaces prevPaymentID (empty for none) with paymentID on a
	// PENDING reservation. Any other state yields ErrPaymentConflict.
	AttachPayment(ctx context.Context, id, prevPaymentID, paymentID string) (Reservation, error)
	// Transition atomically moves a reservation from one status to another. The
	// returned bool is false when the reservation was not in the expected status,
	// in which case the current record is returned unchanged.
	Transition(ctx context.Context, id string, from, to Status) (Reservation, bool, error)
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to == StatusConfirmed || to == StatusCancelled
}
