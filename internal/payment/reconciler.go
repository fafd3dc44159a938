package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/resrv-payments/internal/common"
	"github.com/noah-isme/resrv-payments/internal/events"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/reservation"
)

// EventSink receives reservation lifecycle events. *events.Bus satisfies it.
type EventSink interface {
	Emit(ctx context.Context, topic string, aggregateID string, payload any) (events.Event, error)
}

// Locker serialises reconciliation of a single reservation. lock.Locker satisfies it.
type Locker interface {
	ReservationKey(reservationID string) string
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EntryResolver looks up a display title for the content a reservation refers to.
type EntryResolver interface {
	Title(ctx context.Context, entryID string) (string, error)
}

// ReconcilerConfig holds the per-deployment knobs of the reconciler.
type ReconcilerConfig struct {
	Currency            string
	CheckoutCompleteURL string
	WebhookURL          string
	// IncludeReservationIDInRedirect appends RedirectIDParam=<id> to CheckoutCompleteURL.
	IncludeReservationIDInRedirect bool
	RedirectIDParam                string
	PendingParam                   string
	// PendingFastPath lets HandleRedirectBack answer from PendingParam without a provider call.
	PendingFastPath bool
	LockTTL         time.Duration
}

// DefaultReconcilerConfig returns the configuration used when fields are left empty.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Currency:                       "EUR",
		IncludeReservationIDInRedirect: true,
		RedirectIDParam:                "id",
		PendingParam:                   "payment_pending",
		LockTTL:                        10 * time.Second,
	}
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	def := DefaultReconcilerConfig()
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = def.Currency
	}
	if strings.TrimSpace(c.RedirectIDParam) == "" {
		c.RedirectIDParam = def.RedirectIDParam
	}
	if strings.TrimSpace(c.PendingParam) == "" {
		c.PendingParam = def.PendingParam
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// PaymentIntent is what the client needs to send the customer to checkout.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURL  string `json:"redirectUrl"`
	Provider     string `json:"provider"`
	PublicKey    string `json:"publicKey,omitempty"`
	Reused       bool   `json:"reused"`
}

// Outcome is the customer facing payment state reported after a redirect.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomePaid    Outcome = "paid"
	OutcomeFailed  Outcome = "failed"
)

// MarshalJSON encodes pending as "pending", paid as true and anything else as false.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomePending:
		return []byte(`"pending"`), nil
	case OutcomePaid:
		return []byte("true"), nil
	default:
		return []byte("false"), nil
	}
}

// UnmarshalJSON accepts the encodings produced by MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case `"pending"`:
		*o = OutcomePending
	case "true":
		*o = OutcomePaid
	case "false":
		*o = OutcomeFailed
	default:
		return fmt.Errorf("payment: invalid outcome %s", data)
	}
	return nil
}

func outcomeFor(p Payment) Outcome {
	switch p.Status {
	case StatusPending:
		return OutcomePending
	case StatusPaid:
		return OutcomePaid
	default:
		return OutcomeFailed
	}
}

// RedirectResult pairs the payment outcome with the reservation as currently stored.
type RedirectResult struct {
	Status      Outcome                 `json:"status"`
	Reservation reservation.Reservation `json:"reservation"`
}

// VerifyOutcome describes what a webhook verification did. Callers always acknowledge.
type VerifyOutcome string

const (
	VerifyUnknownPayment VerifyOutcome = "unknown_payment"
	VerifyAlreadyFinal   VerifyOutcome = "already_final"
	VerifyStillPending   VerifyOutcome = "pending"
	VerifyConfirmed      VerifyOutcome = "confirmed"
	VerifyCancelled      VerifyOutcome = "cancelled"
	VerifyLostRace       VerifyOutcome = "lost_race"
	VerifyError          VerifyOutcome = "error"
)

// Reconciler drives reservation status from the live status reported by the payment provider.
type Reconciler struct {
	Provider Provider
	Store    reservation.Store
	Events   EventSink
	Locker   Locker
	Entries  EntryResolver
	Logger   zerolog.Logger
	Config   ReconcilerConfig
}

// NewReconciler wires a reconciler with defaults applied to cfg.
func NewReconciler(cfg ReconcilerConfig, provider Provider, store reservation.Store, sink EventSink, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		Provider: provider,
		Store:    store,
		Events:   sink,
		Logger:   logger,
		Config:   cfg.withDefaults(),
	}
}

func (rc *Reconciler) ready() error {
	if rc == nil || rc.Provider == nil || rc.Store == nil {
		return errors.New("payment: reconciler not configured")
	}
	return nil
}

func (rc *Reconciler) log(ctx context.Context) zerolog.Logger {
	return obs.LoggerFromContext(ctx, rc.Logger).With().Str("provider", rc.Provider.Name()).Logger()
}

// CreateIntent opens a hosted checkout for the reservation, or returns the
// still-open checkout of its current payment.
func (rc *Reconciler) CreateIntent(ctx context.Context, amount int64, res reservation.Reservation, metadata map[string]string) (PaymentIntent, error) {
	if err := rc.ready(); err != nil {
		return PaymentIntent{}, err
	}
	cfg := rc.Config.withDefaults()
	providerName := rc.Provider.Name()
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.CreateIntent")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", providerName),
		attribute.String("reservation.id", res.ID),
		attribute.Int64("payment.amount", amount),
	)

	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("payment.intent.result", result))
		obs.Inc(obs.PaymentIntentTotal, providerName, result)
	}()

	if amount <= 0 {
		result = "invalid"
		return PaymentIntent{}, ErrInvalidAmount
	}
	logger := rc.log(ctx).With().Str("reservation_id", res.ID).Logger()

	if res.HasPayment() {
		existing, err := rc.Provider.GetPayment(ctx, res.PaymentID)
		var providerErr *ProviderError
		switch {
		case errors.As(err, &providerErr) && providerErr.StatusCode == http.StatusNotFound:
			logger.Warn().Str("payment_id", res.PaymentID).Msg("payment_unknown_to_provider_creating_new")
		case err != nil:
			span.RecordError(err)
			logger.Error().Err(err).Str("payment_id", res.PaymentID).Msg("payment_lookup_failed")
			return PaymentIntent{}, err
		case existing.IsPaid():
			// The webhook for this payment has not been processed yet.
			outcome := rc.reconcileLocked(ctx, res.ID, res.PaymentID, logger.With().Str("payment_id", res.PaymentID).Logger())
			result = "already_paid"
			logger.Info().Str("payment_id", res.PaymentID).Str("outcome", string(outcome)).Msg("payment_intent_already_paid")
			return PaymentIntent{}, ErrAlreadyPaid
		case existing.IsPending() && existing.CheckoutURL != "":
			result = "reused"
			return PaymentIntent{
				ID:          existing.ID,
				RedirectURL: existing.CheckoutURL,
				Provider:    providerName,
				PublicKey:   rc.Provider.PublicKey(),
				Reused:      true,
			}, nil
		}
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["reservation_id"] = res.ID

	currency := strings.ToUpper(strings.TrimSpace(res.Currency))
	if currency == "" {
		currency = cfg.Currency
	}
	req := CreatePaymentRequest{
		Amount:         amount,
		Currency:       currency,
		Description:    rc.description(ctx, res),
		RedirectURL:    redirectURL(cfg, res.ID),
		WebhookURL:     cfg.WebhookURL,
		Metadata:       meta,
		IdempotencyKey: common.Sha256Hex(res.ID + ":" + res.PaymentID),
	}
	created, err := rc.Provider.CreatePayment(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("payment_intent_failed")
		return PaymentIntent{}, err
	}
	if _, err := rc.Store.AttachPayment(ctx, res.ID, res.PaymentID, created.ID); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("payment_id", created.ID).Str("previous_payment_id", res.PaymentID).Msg("payment_attach_failed")
		return PaymentIntent{}, fmt.Errorf("attach payment: %w", err)
	}
	result = "created"
	logger.Info().Str("payment_id", created.ID).Int64("amount", amount).Str("currency", currency).Msg("payment_intent_created")
	return PaymentIntent{
		ID:          created.ID,
		RedirectURL: created.CheckoutURL,
		Provider:    providerName,
		PublicKey:   rc.Provider.PublicKey(),
	}, nil
}

func (rc *Reconciler) description(ctx context.Context, res reservation.Reservation) string {
	if rc.Entries != nil && res.EntryID != "" {
		title, err := rc.Entries.Title(ctx, res.EntryID)
		if err == nil && strings.TrimSpace(title) != "" {
			return title
		}
	}
	return "Reservation " + res.ID
}

func redirectURL(cfg ReconcilerConfig, reservationID string) string {
	base := cfg.CheckoutCompleteURL
	if !cfg.IncludeReservationIDInRedirect {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + url.QueryEscape(cfg.RedirectIDParam) + "=" + url.QueryEscape(reservationID)
	}
	q := u.Query()
	q.Set(cfg.RedirectIDParam, reservationID)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleRedirectBack reports the live payment outcome for the reservation the
// customer returned from checkout with. It never changes stored state.
func (rc *Reconciler) HandleRedirectBack(ctx context.Context, query url.Values) (RedirectResult, error) {
	if err := rc.ready(); err != nil {
		return RedirectResult{}, err
	}
	cfg := rc.Config.withDefaults()
	if cfg.PendingFastPath {
		if res, ok, err := rc.HandlePaymentPending(ctx, query); ok || err != nil {
			return res, err
		}
	}

	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.HandleRedirectBack")
	defer span.End()

	id := strings.TrimSpace(query.Get(cfg.RedirectIDParam))
	if id == "" {
		return RedirectResult{}, reservation.ErrNotFound
	}
	span.SetAttributes(attribute.String("reservation.id", id))
	res, err := rc.Store.FindByID(ctx, id)
	if err != nil {
		return RedirectResult{}, err
	}
	if !res.HasPayment() {
		obs.Inc(obs.PaymentRedirectTotal, string(OutcomePending))
		return RedirectResult{Status: OutcomePending, Reservation: res}, nil
	}
	live, err := rc.Provider.GetPayment(ctx, res.PaymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		obs.Inc(obs.PaymentRedirectTotal, "error")
		return RedirectResult{}, err
	}
	outcome := outcomeFor(live)
	obs.Inc(obs.PaymentRedirectTotal, string(outcome))
	return RedirectResult{Status: outcome, Reservation: res}, nil
}

// HandlePaymentPending answers from the pending marker alone. ok is false when
// the marker is absent.
func (rc *Reconciler) HandlePaymentPending(ctx context.Context, query url.Values) (RedirectResult, bool, error) {
	if rc == nil || rc.Store == nil {
		return RedirectResult{}, false, errors.New("payment: reconciler not configured")
	}
	cfg := rc.Config.withDefaults()
	if !query.Has(cfg.PendingParam) {
		return RedirectResult{}, false, nil
	}
	id := strings.TrimSpace(query.Get(cfg.PendingParam))
	if id == "" {
		return RedirectResult{}, false, reservation.ErrNotFound
	}
	res, err := rc.Store.FindByID(ctx, id)
	if err != nil {
		return RedirectResult{}, false, err
	}
	obs.Inc(obs.PaymentRedirectTotal, string(OutcomePending))
	return RedirectResult{Status: OutcomePending, Reservation: res}, true, nil
}

// VerifyPayment reconciles the reservation owning paymentID with the live
// provider status. Failures are logged and counted; the webhook is always
// acknowledged.
func (rc *Reconciler) VerifyPayment(ctx context.Context, paymentID string) VerifyOutcome {
	if err := rc.ready(); err != nil {
		rc.Logger.Error().Err(err).Msg("payment_verify_unavailable")
		return VerifyError
	}
	providerName := rc.Provider.Name()
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.VerifyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", providerName), attribute.String("payment.id", paymentID))

	outcome := VerifyError
	defer func() {
		span.SetAttributes(attribute.String("payment.verify.result", string(outcome)))
		obs.Inc(obs.PaymentWebhookTotal, providerName, string(outcome))
	}()

	logger := rc.log(ctx).With().Str("payment_id", paymentID).Logger()
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		logger.Info().Msg("payment_webhook_without_id")
		outcome = VerifyUnknownPayment
		return outcome
	}

	res, err := rc.Store.FindByPaymentID(ctx, paymentID)
	if errors.Is(err, reservation.ErrNotFound) {
		logger.Info().Msg("reservation_not_found_for_payment")
		outcome = VerifyUnknownPayment
		return outcome
	}
	if err != nil {
		logger.Error().Err(err).Msg("reservation_lookup_failed")
		return outcome
	}
	logger = logger.With().Str("reservation_id", res.ID).Logger()
	span.SetAttributes(attribute.String("reservation.id", res.ID))

	outcome = rc.reconcileLocked(ctx, res.ID, paymentID, logger)
	return outcome
}

func (rc *Reconciler) reconcileLocked(ctx context.Context, reservationID, paymentID string, logger zerolog.Logger) VerifyOutcome {
	if rc.Locker == nil {
		return rc.reconcile(ctx, reservationID, paymentID, logger)
	}
	cfg := rc.Config.withDefaults()
	var (
		outcome = VerifyError
		ran     bool
	)
	err := rc.Locker.WithLock(ctx, rc.Locker.ReservationKey(reservationID), cfg.LockTTL, func(ctx context.Context) error {
		ran = true
		outcome = rc.reconcile(ctx, reservationID, paymentID, logger)
		return nil
	})
	if err != nil && !ran {
		if ctx.Err() != nil {
			logger.Error().Err(err).Msg("reservation_lock_timeout")
			return VerifyError
		}
		// The conditional transition still guarantees a single winner.
		logger.Warn().Err(err).Msg("reservation_lock_unavailable")
		return rc.reconcile(ctx, reservationID, paymentID, logger)
	}
	return outcome
}

func (rc *Reconciler) reconcile(ctx context.Context, reservationID, paymentID string, logger zerolog.Logger) VerifyOutcome {
	res, err := rc.Store.FindByID(ctx, reservationID)
	if err != nil {
		logger.Error().Err(err).Msg("reservation_reload_failed")
		return VerifyError
	}
	switch res.Status {
	case reservation.StatusConfirmed:
		return VerifyAlreadyFinal
	case reservation.StatusCancelled:
		if live, err := rc.Provider.GetPayment(ctx, paymentID); err == nil && live.IsPaid() {
			logger.Warn().Int64("amount", live.Amount).Str("currency", live.Currency).Msg("late_payment_for_cancelled_reservation")
		}
		return VerifyAlreadyFinal
	}

	live, err := rc.Provider.GetPayment(ctx, paymentID)
	if err != nil {
		logger.Error().Err(err).Msg("payment_status_fetch_failed")
		return VerifyError
	}

	var (
		target  reservation.Status
		topic   string
		outcome VerifyOutcome
	)
	switch live.Status {
	case StatusPending:
		logger.Debug().Str("raw_status", live.RawStatus).Msg("payment_still_pending")
		return VerifyStillPending
	case StatusPaid:
		target, topic, outcome = reservation.StatusConfirmed, events.TopicReservationConfirmed, VerifyConfirmed
	default:
		target, topic, outcome = reservation.StatusCancelled, events.TopicReservationCancelled, VerifyCancelled
	}

	updated, changed, err := rc.Store.Transition(ctx, res.ID, reservation.StatusPending, target)
	if err != nil {
		logger.Error().Err(err).Str("to", string(target)).Msg("reservation_transition_failed")
		return VerifyError
	}
	if !changed {
		if updated.Status == reservation.StatusCancelled && live.IsPaid() {
			logger.Warn().Msg("late_payment_for_cancelled_reservation")
		}
		return VerifyLostRace
	}
	obs.Inc(obs.ReservationTransitionTotal, string(target))
	logger.Info().Str("raw_status", live.RawStatus).Str("to", string(target)).Msg("reservation_status_reconciled")

	if rc.Events != nil {
		if _, err := rc.Events.Emit(ctx, topic, updated.ID, updated); err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("reservation_event_emit_failed")
		}
	}
	return outcome
}

// Refund returns the reservation's amount to the customer. It never changes
// the reservation status.
func (rc *Reconciler) Refund(ctx context.Context, res reservation.Reservation) (RefundRecord, error) {
	if err := rc.ready(); err != nil {
		return RefundRecord{}, err
	}
	cfg := rc.Config.withDefaults()
	providerName := rc.Provider.Name()
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", providerName), attribute.String("reservation.id", res.ID))

	result := "failed"
	defer func() {
		obs.Inc(obs.PaymentRefundTotal, providerName, result)
	}()
	logger := rc.log(ctx).With().Str("reservation_id", res.ID).Str("payment_id", res.PaymentID).Logger()

	if !res.HasPayment() {
		return RefundRecord{}, refundFailed("reservation has no payment", nil)
	}
	live, err := rc.Provider.GetPayment(ctx, res.PaymentID)
	if err != nil {
		logger.Error().Err(err).Msg("refund_payment_lookup_failed")
		return RefundRecord{}, refundFailed(providerMessage(err), err)
	}
	if !live.Refundable {
		result = "not_refundable"
		return RefundRecord{}, refundFailed("not refundable", nil)
	}
	currency := strings.ToUpper(strings.TrimSpace(res.Currency))
	if currency == "" {
		currency = cfg.Currency
	}
	record, err := rc.Provider.Refund(ctx, res.PaymentID, res.Amount, currency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("refund_failed")
		return RefundRecord{}, refundFailed(providerMessage(err), err)
	}
	result = "refunded"
	logger.Info().Str("refund_id", record.ID).Int64("amount", record.Amount).Msg("refund_issued")

	if rc.Events != nil {
		payload, _ := json.Marshal(map[string]any{"reservation": res, "refund": record})
		if _, err := rc.Events.Emit(ctx, events.TopicPaymentRefunded, res.ID, json.RawMessage(payload)); err != nil {
			logger.Error().Err(err).Msg("refund_event_emit_failed")
		}
	}
	return record, nil
}
