package reservation

import (
	"strings"
	"time"
)

// Status is the payment-driven lifecycle state of a reservation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is defined out of the status.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus normalises a stored or user supplied status string.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	return s, s.Valid()
}

// Reservation is the record whose payment the reconciler drives.
type Reservation struct {
	ID        string    `json:"id"`
	EntryID   string    `json:"entryId"`
	PaymentID string    `json:"paymentId,omitempty"`
	Status    Status    `json:"status"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasPayment reports whether a payment intent has been attached.
func (r Reservation) HasPayment() bool {
	return strings.TrimSpace(r.PaymentID) != ""
}
