package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/resrv-payments/internal/common"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/reservation"
)

const maxWebhookBody = 1 << 20

// Handler exposes the reconciler over HTTP.
type Handler struct {
	Reconciler *Reconciler
	Validate   *validator.Validate
	Logger     zerolog.Logger
}

// NewHandler builds a Handler with its own validator instance.
func NewHandler(rc *Reconciler, logger zerolog.Logger) *Handler {
	return &Handler{Reconciler: rc, Validate: validator.New(validator.WithRequiredStructEnabled()), Logger: logger}
}

type intentReq struct {
	ReservationID string            `json:"reservationId" validate:"required,max=64"`
	Metadata      map[string]string `json:"metadata" validate:"omitempty,max=20,dive,keys,required,max=40,endkeys,max=500"`
}

type intentResp struct {
	PaymentIntent
	Capabilities Capabilities `json:"capabilities"`
}

func (h *Handler) configured(w http.ResponseWriter) bool {
	if h == nil || h.Reconciler == nil || h.Reconciler.ready() != nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return false
	}
	return true
}

// Intent creates (or reuses) a hosted checkout for a pending reservation.
func (h *Handler) Intent(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	var req intentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.ReservationID = strings.TrimSpace(req.ReservationID)
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", validationDetails(err))
			return
		}
	}
	res, err := h.Reconciler.Store.FindByID(r.Context(), req.ReservationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Status != reservation.StatusPending {
		common.JSONError(w, http.StatusConflict, "RESERVATION_NOT_PENDING", "reservation is "+string(res.Status), nil)
		return
	}
	intent, err := h.Reconciler.CreateIntent(r.Context(), res.Amount, res, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if intent.Reused {
		status = http.StatusOK
	}
	common.JSON(w, status, intentResp{PaymentIntent: intent, Capabilities: h.Reconciler.Provider.Capabilities()})
}

// RedirectBack reports the payment outcome when the customer returns from checkout.
func (h *Handler) RedirectBack(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	result, err := h.Reconciler.HandleRedirectBack(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, result)
}

// Pending answers the front end's pending-marker check without a provider call.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	result, ok, err := h.Reconciler.HandlePaymentPending(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		common.JSON(w, http.StatusOK, map[string]bool{"status": false})
		return
	}
	common.JSON(w, http.StatusOK, result)
}

// Webhook authenticates a provider notification and reconciles the payment it
// names. Authentic deliveries are always acknowledged with 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	provider := h.Reconciler.Provider
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if name != provider.Name() {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_FOUND", ErrUnknownProvider.Error(), nil)
		return
	}
	logger := obs.LoggerFromContext(r.Context(), h.Logger).With().Str("provider", name).Logger()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read body", nil)
		return
	}
	note, err := provider.ParseWebhook(r, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			obs.Inc(obs.PaymentWebhookTotal, name, "invalid_signature")
			logger.Warn().Err(err).Msg("payment_webhook_rejected")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid signature", nil)
			return
		}
		obs.Inc(obs.PaymentWebhookTotal, name, "malformed")
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed webhook", nil)
		return
	}
	if note.PaymentID == "" {
		logger.Debug().Str("event_type", note.EventType).Msg("payment_webhook_ignored")
		obs.Inc(obs.PaymentWebhookTotal, name, "ignored")
		common.JSON(w, http.StatusOK, struct{}{})
		return
	}
	outcome := h.Reconciler.VerifyPayment(r.Context(), note.PaymentID)
	logger.Info().Str("payment_id", note.PaymentID).Str("outcome", string(outcome)).Msg("payment_webhook_processed")
	common.JSON(w, http.StatusOK, struct{}{})
}

// Refund issues a refund for a reservation's payment.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "id is required", nil)
		return
	}
	res, err := h.Reconciler.Store.FindByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.Reconciler.Refund(r.Context(), res)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	actor, _ := common.Subject(r.Context())
	logger := obs.LoggerFromContext(r.Context(), h.Logger)
	logger.Info().
		Str("reservation_id", res.ID).
		Str("refund_id", record.ID).
		Str("actor", actor).
		Msg("admin_refund")
	common.JSON(w, http.StatusOK, record)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		providerErr *ProviderError
		refundErr   *RefundFailedError
	)
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "RESERVATION_NOT_FOUND", "reservation not found", nil)
	case errors.As(err, &refundErr):
		common.JSONError(w, http.StatusUnprocessableEntity, "REFUND_FAILED", refundErr.Reason, nil)
	case errors.Is(err, ErrInvalidAmount):
		common.JSONError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		common.JSONError(w, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT", "payment provider timed out", nil)
	case errors.Is(err, ErrAlreadyPaid):
		common.JSONError(w, http.StatusConflict, "PAYMENT_ALREADY_COMPLETED", "reservation payment already completed", nil)
	case errors.Is(err, reservation.ErrPaymentConflict):
		common.JSONError(w, http.StatusConflict, "PAYMENT_CONFLICT", "reservation payment changed concurrently", nil)
	case errors.As(err, &providerErr):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_ERROR", providerErr.Message, nil)
	default:
		logger := obs.LoggerFromContext(r.Context(), h.Logger)
		logger.Error().Err(err).Msg("payment_request_failed")
		common.WriteError(w, err)
	}
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
