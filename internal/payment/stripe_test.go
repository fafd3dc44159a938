package payment_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/noah-isme/resrv-payments/internal/payment"
)

const stripeSessionPaid = `{
  "id": "cs_test_1",
  "object": "checkout.session",
  "status": "complete",
  "payment_status": "paid",
  "amount_total": 4500,
  "currency": "eur",
  "url": null,
  "payment_intent": {
    "id": "pi_1",
    "object": "payment_intent",
    "status": "succeeded",
    "latest_charge": {"id": "ch_1", "object": "charge", "amount": 4500, "amount_refunded": 0}
  }
}`

func newStripe(t *testing.T, handler http.HandlerFunc) *payment.Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return payment.NewStripe(payment.StripeConfig{
		SecretKey:      "sk_test_123",
		PublishableKey: "pk_test_123",
		WebhookSecret:  "whsec_test",
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
	})
}

func TestStripeCreatePayment(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "idem-key", r.Header.Get("Idempotency-Key"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		form, err := url.ParseQuery(string(raw))
		require.NoError(t, err)
		require.Equal(t, "payment", form.Get("mode"))
		require.Equal(t, "4500", form.Get("line_items[0][price_data][unit_amount]"))
		require.Equal(t, "eur", form.Get("line_items[0][price_data][currency]"))
		require.Equal(t, "R1", form.Get("metadata[reservation_id]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cs_test_1","object":"checkout.session","status":"open","payment_status":"unpaid",
			"amount_total":4500,"currency":"eur","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	})

	p, err := s.CreatePayment(context.Background(), payment.CreatePaymentRequest{
		Amount:         4500,
		Currency:       "EUR",
		Description:    "Reservation R1",
		RedirectURL:    "https://shop.example/done?id=R1",
		Metadata:       map[string]string{"reservation_id": "R1"},
		IdempotencyKey: "idem-key",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", p.ID)
	require.Equal(t, payment.StatusPending, p.Status)
	require.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", p.CheckoutURL)
	require.Equal(t, "pk_test_123", s.PublicKey())
}

func TestStripeGetPaymentAndRefund(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_test_1":
			_, _ = io.WriteString(w, stripeSessionPaid)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/refunds":
			require.Equal(t, payment.RefundIdempotencyKey("cs_test_1", 4500), r.Header.Get("Idempotency-Key"))
			require.NoError(t, r.ParseForm())
			require.Equal(t, "pi_1", r.PostForm.Get("payment_intent"))
			require.Equal(t, "4500", r.PostForm.Get("amount"))
			_, _ = io.WriteString(w, `{"id":"re_1","object":"refund","amount":4500,"currency":"eur","status":"succeeded"}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	p, err := s.GetPayment(context.Background(), "cs_test_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, p.Status)
	require.True(t, p.Refundable)
	require.Equal(t, "EUR", p.Currency)

	rec, err := s.Refund(context.Background(), "cs_test_1", 4500, "EUR")
	require.NoError(t, err)
	require.Equal(t, payment.RefundRecord{ID: "re_1", PaymentID: "cs_test_1", Status: "succeeded", Amount: 4500, Currency: "EUR"}, rec)
}

func TestStripeErrorsBecomeProviderErrors(t *testing.T) {
	s := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session: 'cs_missing'"}}`)
	})
	_, err := s.GetPayment(context.Background(), "cs_missing")
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusNotFound, pe.StatusCode)
	require.Contains(t, pe.Message, "No such checkout.session")
}

func TestStripeParseWebhook(t *testing.T) {
	s := payment.NewStripe(payment.StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","api_version":"2024-06-20",
		"data":{"object":{"id":"cs_test_9","object":"checkout.session"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	note, err := s.ParseWebhook(req, payload)
	require.NoError(t, err)
	require.Equal(t, "cs_test_9", note.PaymentID)
	require.Equal(t, "checkout.session.completed", note.EventType)

	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	_, err = s.ParseWebhook(req, payload)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)

	other := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge"}}}`)
	signed = webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: other, Secret: "whsec_test", Timestamp: time.Now()})
	req.Header.Set("Stripe-Signature", signed.Header)
	note, err = s.ParseWebhook(req, other)
	require.NoError(t, err)
	require.Empty(t, note.PaymentID)
}
