package payment_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/noah-isme/resrv-payments/internal/events"
	"github.com/noah-isme/resrv-payments/internal/payment"
)

type fakeProvider struct {
	mu        sync.Mutex
	payments  map[string]payment.Payment
	nextID    string
	getErr    error
	createErr error
	refundErr error

	created []payment.CreatePaymentRequest
	gets    int
	refunds []payment.RefundRecord
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payments: map[string]payment.Payment{}, nextID: "tr_new"}
}

func (f *fakeProvider) set(p payment.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
}

func (f *fakeProvider) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Capabilities() payment.Capabilities {
	return payment.Capabilities{Webhooks: true, Redirects: true}
}

func (f *fakeProvider) PublicKey() string { return "" }

func (f *fakeProvider) CreatePayment(_ context.Context, req payment.CreatePaymentRequest) (payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return payment.Payment{}, f.createErr
	}
	p := payment.Payment{
		ID:          f.nextID,
		Status:      payment.StatusPending,
		RawStatus:   "open",
		CheckoutURL: "https://checkout.example/" + f.nextID,
		Amount:      req.Amount,
		Currency:    req.Currency,
	}
	f.payments[p.ID] = p
	return p, nil
}

func (f *fakeProvider) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return payment.Payment{}, f.getErr
	}
	p, ok := f.payments[id]
	if !ok {
		return payment.Payment{}, &payment.ProviderError{Provider: "fake", Op: "get", StatusCode: http.StatusNotFound, Message: "payment not found"}
	}
	return p, nil
}

func (f *fakeProvider) Refund(_ context.Context, paymentID string, amount int64, currency string) (payment.RefundRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return payment.RefundRecord{}, f.refundErr
	}
	rec := payment.RefundRecord{ID: "re_1", PaymentID: paymentID, Status: "pending", Amount: amount, Currency: currency}
	f.refunds = append(f.refunds, rec)
	return rec, nil
}

func (f *fakeProvider) ParseWebhook(r *http.Request, body []byte) (payment.WebhookNotification, error) {
	if r.Header.Get("X-Test-Signature") == "bad" {
		return payment.WebhookNotification{}, payment.ErrInvalidSignature
	}
	id := strings.TrimPrefix(string(body), "id=")
	return payment.WebhookNotification{PaymentID: id, EventType: "payment.updated"}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (c *captureSink) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := events.Event{Topic: topic, AggregateID: aggregateID}
	c.events = append(c.events, ev)
	return ev, c.err
}

func (c *captureSink) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Topic)
	}
	return out
}

type titles map[string]string

func (t titles) Title(_ context.Context, entryID string) (string, error) {
	if v, ok := t[entryID]; ok {
		return v, nil
	}
	return "", errors.New("entry not found")
}
