package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/resrv-payments/internal/common"
)

const mollieDefaultBaseURL = "https://api.mollie.com"

// HTTPDoer executes outbound provider requests. resilience.HTTPClient satisfies it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Mollie implements Provider against the Mollie Payments API v2.
type Mollie struct {
	APIKey  string
	BaseURL string
	// WebhookSecret enables X-Mollie-Signature verification when set.
	WebhookSecret string
	HTTP          HTTPDoer
}

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type molliePayment struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Amount          mollieAmount  `json:"amount"`
	AmountRemaining *mollieAmount `json:"amountRemaining,omitempty"`
	Links           struct {
		Checkout *struct {
			Href string `json:"href"`
		} `json:"checkout,omitempty"`
	} `json:"_links"`
}

type mollieRefund struct {
	ID        string       `json:"id"`
	PaymentID string       `json:"paymentId"`
	Status    string       `json:"status"`
	Amount    mollieAmount `json:"amount"`
}

type mollieError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Name implements Provider.
func (Mollie) Name() string { return "mollie" }

// Capabilities implements Provider.
func (Mollie) Capabilities() Capabilities { return Capabilities{Webhooks: true, Redirects: true} }

// PublicKey implements Provider. Mollie checkout is a pure redirect.
func (Mollie) PublicKey() string { return "" }

// CreatePayment implements Provider.
func (m Mollie) CreatePayment(ctx context.Context, req CreatePaymentRequest) (Payment, error) {
	body := map[string]any{
		"amount":      toMollieAmount(req.Amount, req.Currency),
		"description": req.Description,
		"redirectUrl": req.RedirectURL,
		"metadata":    req.Metadata,
	}
	if req.WebhookURL != "" {
		body["webhookUrl"] = req.WebhookURL
	}
	var out molliePayment
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	if err := m.call(ctx, "create", http.MethodPost, "/v2/payments", body, headers, &out); err != nil {
		return Payment{}, err
	}
	return out.toPayment()
}

// GetPayment implements Provider.
func (m Mollie) GetPayment(ctx context.Context, id string) (Payment, error) {
	var out molliePayment
	if err := m.call(ctx, "get", http.MethodGet, "/v2/payments/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return Payment{}, err
	}
	return out.toPayment()
}

// Refund implements Provider.
func (m Mollie) Refund(ctx context.Context, paymentID string, amount int64, currency string) (RefundRecord, error) {
	body := map[string]any{"amount": toMollieAmount(amount, currency)}
	headers := map[string]string{"Idempotency-Key": RefundIdempotencyKey(paymentID, amount)}
	var out mollieRefund
	if err := m.call(ctx, "refund", http.MethodPost, "/v2/payments/"+url.PathEscape(paymentID)+"/refunds", body, headers, &out); err != nil {
		return RefundRecord{}, err
	}
	value, err := fromMollieAmount(out.Amount)
	if err != nil {
		return RefundRecord{}, &ProviderError{Provider: m.Name(), Op: "refund", Message: "invalid refund amount", Err: err}
	}
	if out.PaymentID == "" {
		out.PaymentID = paymentID
	}
	return RefundRecord{
		ID:        out.ID,
		PaymentID: out.PaymentID,
		Status:    out.Status,
		Amount:    value,
		Currency:  out.Amount.Currency,
	}, nil
}

// ParseWebhook implements Provider. Mollie posts the payment id as a form
// field; the status itself is always fetched from the API afterwards.
func (m Mollie) ParseWebhook(r *http.Request, body []byte) (WebhookNotification, error) {
	if secret := strings.TrimSpace(m.WebhookSecret); secret != "" {
		if !common.VerifyHMACSHA256Hex(secret, body, r.Header.Get("X-Mollie-Signature")) {
			return WebhookNotification{}, ErrInvalidSignature
		}
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return WebhookNotification{}, fmt.Errorf("mollie webhook: %w", err)
	}
	return WebhookNotification{PaymentID: strings.TrimSpace(form.Get("id")), EventType: "payment.updated"}, nil
}

func (m Mollie) call(ctx context.Context, op, method, path string, in any, headers map[string]string, out any) error {
	if m.HTTP == nil {
		return &ProviderError{Provider: m.Name(), Op: op, Message: "http client not configured"}
	}
	base := strings.TrimRight(strings.TrimSpace(m.BaseURL), "/")
	if base == "" {
		base = mollieDefaultBaseURL
	}
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &ProviderError{Provider: m.Name(), Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return &ProviderError{Provider: m.Name(), Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := m.HTTP.Do(ctx, req)
	if err != nil {
		return &ProviderError{Provider: m.Name(), Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Provider: m.Name(), Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr mollieError
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			msg = apiErr.Detail
		}
		return &ProviderError{Provider: m.Name(), Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ProviderError{Provider: m.Name(), Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
		}
	}
	return nil
}

func (p molliePayment) toPayment() (Payment, error) {
	amount, err := fromMollieAmount(p.Amount)
	if err != nil {
		return Payment{}, &ProviderError{Provider: "mollie", Op: "decode", Message: "invalid payment amount", Err: err}
	}
	out := Payment{
		ID:        p.ID,
		Status:    normaliseMollieStatus(p.Status),
		RawStatus: p.Status,
		Amount:    amount,
		Currency:  p.Amount.Currency,
	}
	if p.Links.Checkout != nil {
		out.CheckoutURL = p.Links.Checkout.Href
	}
	if p.AmountRemaining != nil {
		remaining, err := decimal.NewFromString(p.AmountRemaining.Value)
		out.Refundable = err == nil && remaining.IsPositive()
	}
	return out, nil
}

func normaliseMollieStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	// open and authorized payments can still complete.
	case "open", "pending", "authorized":
		return StatusPending
	case "paid":
		return StatusPaid
	default:
		return StatusFailed
	}
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "ISK": true, "KRW": true}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

func toMollieAmount(minor int64, currency string) mollieAmount {
	exp := currencyExponent(currency)
	return mollieAmount{
		Currency: strings.ToUpper(currency),
		Value:    decimal.New(minor, -exp).StringFixed(exp),
	}
}

func fromMollieAmount(a mollieAmount) (int64, error) {
	if strings.TrimSpace(a.Value) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(a.Value)
	if err != nil {
		return 0, err
	}
	return d.Shift(currencyExponent(a.Currency)).Round(0).IntPart(), nil
}
