package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

// Stripe implements Provider on top of Stripe Checkout Sessions. The session
// id is the payment id stored on the reservation.
type Stripe struct {
	api            *client.API
	publishableKey string
	webhookSecret  string
}

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	// BaseURL overrides the API host, used against stripe-mock and in tests.
	BaseURL    string
	HTTPClient *http.Client
}

// NewStripe builds a Stripe provider with its own API client.
func NewStripe(cfg StripeConfig) *Stripe {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Stripe{api: api, publishableKey: cfg.PublishableKey, webhookSecret: cfg.WebhookSecret}
}

// Name implements Provider.
func (*Stripe) Name() string { return "stripe" }

// Capabilities implements Provider.
func (*Stripe) Capabilities() Capabilities { return Capabilities{Webhooks: true, Redirects: true} }

// PublicKey implements Provider.
func (s *Stripe) PublicKey() string { return s.publishableKey }

// CreatePayment implements Provider.
func (s *Stripe) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.RedirectURL),
		CancelURL:  stripe.String(req.RedirectURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Payment{}, stripeError("create", err)
	}
	return stripeSessionPayment(sess), nil
}

// GetPayment implements Provider.
func (s *Stripe) GetPayment(ctx context.Context, id string) (Payment, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return Payment{}, stripeError("get", err)
	}
	return stripeSessionPayment(sess), nil
}

// Refund implements Provider. The refund targets the session's payment intent.
func (s *Stripe) Refund(ctx context.Context, paymentID string, amount int64, currency string) (RefundRecord, error) {
	sess, err := s.session(ctx, paymentID)
	if err != nil {
		return RefundRecord{}, stripeError("refund", err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return RefundRecord{}, &ProviderError{Provider: s.Name(), Op: "refund", Message: "checkout session has no payment intent"}
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(RefundIdempotencyKey(paymentID, amount))
	params.AddMetadata("checkout_session", paymentID)
	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return RefundRecord{}, stripeError("refund", err)
	}
	cur := strings.ToUpper(string(ref.Currency))
	if cur == "" {
		cur = strings.ToUpper(currency)
	}
	return RefundRecord{
		ID:        ref.ID,
		PaymentID: paymentID,
		Status:    string(ref.Status),
		Amount:    ref.Amount,
		Currency:  cur,
	}, nil
}

// ParseWebhook implements Provider by verifying the Stripe-Signature header.
// Only checkout session events carry a payment id.
func (s *Stripe) ParseWebhook(r *http.Request, body []byte) (WebhookNotification, error) {
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookNotification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	note := WebhookNotification{EventType: string(event.Type)}
	if !strings.HasPrefix(note.EventType, "checkout.session.") || event.Data == nil {
		return note, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return WebhookNotification{}, fmt.Errorf("stripe webhook: decode session: %w", err)
	}
	note.PaymentID = sess.ID
	return note, nil
}

func (s *Stripe) session(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.latest_charge")
	return s.api.CheckoutSessions.Get(id, params)
}

func stripeSessionPayment(sess *stripe.CheckoutSession) Payment {
	out := Payment{
		ID:          sess.ID,
		RawStatus:   string(sess.Status) + "/" + string(sess.PaymentStatus),
		Status:      normaliseStripeSession(sess),
		CheckoutURL: sess.URL,
		Amount:      sess.AmountTotal,
		Currency:    strings.ToUpper(string(sess.Currency)),
	}
	if out.Status == StatusPaid && sess.PaymentIntent != nil {
		out.Refundable = true
		if ch := sess.PaymentIntent.LatestCharge; ch != nil && ch.Amount > 0 {
			out.Refundable = ch.AmountRefunded < ch.Amount
		}
	}
	return out
}

func normaliseStripeSession(sess *stripe.CheckoutSession) Status {
	switch sess.Status {
	case stripe.CheckoutSessionStatusExpired:
		return StatusFailed
	case stripe.CheckoutSessionStatusComplete:
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			return StatusPaid
		}
		if sess.PaymentIntent != nil && sess.PaymentIntent.Status == stripe.PaymentIntentStatusCanceled {
			return StatusFailed
		}
		return StatusPending
	default:
		return StatusPending
	}
}

func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Code)
		}
		return &ProviderError{Provider: "stripe", Op: op, StatusCode: se.HTTPStatusCode, Message: msg, Err: err}
	}
	return &ProviderError{Provider: "stripe", Op: op, Message: err.Error(), Err: err}
}
