package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/resrv-payments/internal/app"
	"github.com/noah-isme/resrv-payments/internal/auth"
	"github.com/noah-isme/resrv-payments/internal/common"
	"github.com/noah-isme/resrv-payments/internal/config"
	"github.com/noah-isme/resrv-payments/internal/events"
	"github.com/noah-isme/resrv-payments/internal/health"
	"github.com/noah-isme/resrv-payments/internal/lock"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/payment"
	"github.com/noah-isme/resrv-payments/internal/ratelimit"
	"github.com/noah-isme/resrv-payments/internal/reservation"
	"github.com/noah-isme/resrv-payments/internal/resilience"
)

type memEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memEvents) InsertEvent(_ context.Context, ev events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memEvents) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Topic)
	}
	return out
}

type mollieServer struct {
	mu     sync.Mutex
	status string
}

func (s *mollieServer) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *mollieServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v2/payments":
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"tr_e2e","status":"open","amount":{"currency":"EUR","value":"45.00"},
			"_links":{"checkout":{"href":"https://www.mollie.com/checkout/tr_e2e"}}}`)
	case r.Method == http.MethodGet && r.URL.Path == "/v2/payments/tr_e2e":
		_, _ = io.WriteString(w, `{"id":"tr_e2e","status":"`+status+`","amount":{"currency":"EUR","value":"45.00"},
			"amountRemaining":{"currency":"EUR","value":"45.00"}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/v2/payments/tr_e2e/refunds":
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"re_e2e","status":"pending","amount":{"currency":"EUR","value":"45.00"}}`)
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	router http.Handler
	store  *reservation.MemoryStore
	events *memEvents
	mollie *mollieServer
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRate(t, "1000-M")
}

func newHarnessWithRate(t *testing.T, rate string) *harness {
	t.Helper()
	obs.MustRegisterDomainMetrics("resrv", prometheus.NewRegistry())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ms := &mollieServer{status: "open"}
	srv := httptest.NewServer(ms)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		PaymentProvider:                "mollie",
		Currency:                       "EUR",
		MollieAPIKey:                   "test_key",
		MollieBaseURL:                  srv.URL,
		CheckoutCompleteURL:            "https://shop.example/complete",
		WebhookBaseURL:                 "https://api.example",
		IncludeReservationIDInRedirect: true,
		LockTTL:                        time.Second,
		OutboundTimeout:                time.Second,
		RetryMaxAttempts:               2,
		RetryBase:                      time.Millisecond,
	}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Target: "mollie", MinRequests: 100, FailureRatio: 0.9, OpenFor: time.Second})
	provider, err := app.NewProvider(cfg, breaker)
	require.NoError(t, err)

	store := reservation.NewMemoryStore()
	evs := &memEvents{}
	bus := &events.Bus{Store: evs}
	rc := payment.NewReconciler(app.ReconcilerConfig(cfg), provider, store, bus, zerolog.Nop())
	rc.Locker = lock.Locker{R: rdb}

	lim, err := ratelimit.New(rate, rdb)
	require.NoError(t, err)
	guard, err := auth.NewAdminGuard("admin-secret", "resrv-payments", "resrv-admin")
	require.NoError(t, err)
	token, err := guard.IssueToken("ops@example.com", time.Hour)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	router := app.NewRouter(app.RouterConfig{
		Logger:         zerolog.Nop(),
		Payments:       payment.NewHandler(rc, zerolog.Nop()),
		Health:         health.Handler{Probes: map[string]health.Probe{"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}},
		Idem:           common.Idem{R: rdb, TTL: time.Hour},
		Limiter:        lim,
		Admin:          guard,
		HTTPMetrics:    obs.NewHTTPMetrics("resrv", nil, reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MaxBodyBytes:   4096,
	})
	return &harness{router: router, store: store, events: evs, mollie: ms, token: token}
}

func (h *harness) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func TestPaymentLifecycleThroughRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.Create(ctx, reservation.Reservation{ID: "R1", EntryID: "E1", Amount: 4500, Currency: "EUR"})
	require.NoError(t, err)

	idem := http.Header{"Idempotency-Key": []string{"k-1"}, "Content-Type": []string{"application/json"}}
	rr := h.do(http.MethodPost, "/api/v1/payments/intent", `{"reservationId":"R1"}`, idem)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var intent map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &intent))
	require.Equal(t, "tr_e2e", intent["id"])
	require.Equal(t, "https://www.mollie.com/checkout/tr_e2e", intent["redirectUrl"])
	require.NotEmpty(t, rr.Header().Get("X-RateLimit-Limit"))

	first := rr.Body.String()
	rr = h.do(http.MethodPost, "/api/v1/payments/intent", `{"reservationId":"R1"}`, idem)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "true", rr.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first, rr.Body.String())

	rr = h.do(http.MethodGet, "/api/v1/payments/redirect-back?id=R1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `"pending"`, string(field(t, rr, "status")))

	h.mollie.setStatus("paid")
	form := http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}
	rr = h.do(http.MethodPost, "/api/v1/webhooks/payment/mollie", "id=tr_e2e", form)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{}`, rr.Body.String())

	res, err := h.store.FindByID(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, reservation.StatusConfirmed, res.Status)

	// A repeated delivery is acknowledged without a second transition.
	rr = h.do(http.MethodPost, "/api/v1/webhooks/payment/mollie", "id=tr_e2e", form)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{events.TopicReservationConfirmed}, h.events.topics())

	rr = h.do(http.MethodGet, "/api/v1/payments/redirect-back?id=R1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `true`, string(field(t, rr, "status")))

	rr = h.do(http.MethodPost, "/api/v1/admin/reservations/R1/refund", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	bearer := http.Header{"Authorization": []string{"Bearer " + h.token}}
	rr = h.do(http.MethodPost, "/api/v1/admin/reservations/R1/refund", "", bearer)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, []string{events.TopicReservationConfirmed, events.TopicPaymentRefunded}, h.events.topics())
}

func TestWebhookIsNotRateLimited(t *testing.T) {
	h := newHarnessWithRate(t, "2-M")
	form := http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}
	for i := 0; i < 3; i++ {
		rr := h.do(http.MethodPost, "/api/v1/webhooks/payment/mollie", "id=tr_e2e", form)
		require.Equal(t, http.StatusOK, rr.Code, "delivery %d", i+1)
		require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
	}

	var last int
	for i := 0; i < 3; i++ {
		last = h.do(http.MethodGet, "/api/v1/payments/redirect-back?id=R404", "", nil).Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestWebhookForOtherProviderIsNotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/v1/webhooks/payment/stripe", "id=tr_e2e", http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	h := newHarness(t)
	body := `{"reservationId":"` + strings.Repeat("x", 5000) + `"}`
	rr := h.do(http.MethodPost, "/api/v1/payments/intent", body, http.Header{"Content-Type": []string{"application/json"}})
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "resrv_http_requests_total")
}

func TestNewProviderRejectsUnknownName(t *testing.T) {
	cfg := &config.Config{PaymentProvider: "paypal"}
	_, err := app.NewProvider(cfg, nil)
	require.ErrorIs(t, err, payment.ErrUnknownProvider)
}

func field(t *testing.T, rr *httptest.ResponseRecorder, name string) json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body[name]
}
