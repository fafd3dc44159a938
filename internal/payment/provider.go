package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/noah-isme/resrv-payments/internal/common"
)

var (
	// ErrInvalidAmount is returned when an intent is requested for a non-positive amount.
	ErrInvalidAmount = errors.New("payment: amount must be positive")
	// ErrInvalidSignature is returned by ParseWebhook when a delivery fails authentication.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrRefundFailed matches every *RefundFailedError via errors.Is.
	ErrRefundFailed = errors.New("payment: refund failed")
	// ErrAlreadyPaid is returned by CreateIntent when the reservation's current
	// payment has already been paid; the reservation is reconciled instead.
	ErrAlreadyPaid = errors.New("payment: reservation already paid")
	// ErrUnknownProvider is returned when no provider is registered under a name.
	ErrUnknownProvider = errors.New("payment: unknown provider")
)

// Status is the normalised live status of a provider payment.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Payment is the live provider view of a payment. It is never persisted.
type Payment struct {
	ID          string
	Status      Status
	RawStatus   string
	Refundable  bool
	CheckoutURL string
	Amount      int64
	Currency    string
}

// IsPaid reports whether the provider considers the payment settled.
func (p Payment) IsPaid() bool { return p.Status == StatusPaid }

// IsPending reports whether the customer may still complete the payment.
func (p Payment) IsPending() bool { return p.Status == StatusPending }

// CreatePaymentRequest carries what a provider needs to open a hosted checkout.
type CreatePaymentRequest struct {
	Amount         int64
	Currency       string
	Description    string
	RedirectURL    string
	WebhookURL     string
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundRecord is the provider confirmation of an issued refund.
type RefundRecord struct {
	ID        string `json:"id"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// WebhookNotification is an authenticated webhook delivery reduced to the
// payment it refers to. PaymentID is empty for events that carry no payment.
type WebhookNotification struct {
	PaymentID string
	EventType string
}

// Capabilities describes how the customer interacts with a provider.
type Capabilities struct {
	Webhooks  bool `json:"webhooks"`
	Redirects bool `json:"redirects"`
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	// PublicKey is the client-side key a browser needs, empty for pure redirect flows.
	PublicKey() string
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (Payment, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	Refund(ctx context.Context, paymentID string, amount int64, currency string) (RefundRecord, error)
	ParseWebhook(r *http.Request, body []byte) (WebhookNotification, error)
}

// ProviderError reports a failed call to the upstream provider.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RefundFailedError explains why a refund was not issued.
type RefundFailedError struct {
	Reason string
	Err    error
}

func (e *RefundFailedError) Error() string {
	return "refund failed: " + e.Reason
}

func (e *RefundFailedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRefundFailed) hold for every RefundFailedError.
func (e *RefundFailedError) Is(target error) bool { return target == ErrRefundFailed }

// RefundIdempotencyKey derives the key sent with a refund so a retried call
// cannot refund the same payment twice.
func RefundIdempotencyKey(paymentID string, amount int64) string {
	return common.Sha256Hex(paymentID + ":refund:" + strconv.FormatInt(amount, 10))
}

func refundFailed(reason string, cause error) error {
	return &RefundFailedError{Reason: reason, Err: cause}
}

// providerMessage extracts a human readable message from a provider failure.
func providerMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
