package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/payment"
	"keymint/internal/services"
)

// maxWebhookBody caps webhook payload reads
const maxWebhookBody = 1 << 20

// WebhookHandler receives payment-processor and storefront events.
// Signature verification happens on the raw request bytes, before any
// JSON parsing, so these routes must not sit behind body-consuming
// middleware.
type WebhookHandler struct {
	paymentVerifier *payment.Verifier
	orderVerifier   *payment.Verifier
	service         services.LicenseService
	metrics         *infrastructure.BusinessMetrics
	logger          *slog.Logger
}

// NewWebhookHandler creates a webhook handler. The two verifiers carry
// independent shared secrets: one for the payment processor, one for
// the storefront.
func NewWebhookHandler(paymentVerifier, orderVerifier *payment.Verifier, service services.LicenseService, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		paymentVerifier: paymentVerifier,
		orderVerifier:   orderVerifier,
		service:         service,
		metrics:         metrics,
		logger:          logger.With(slog.String("handler", "webhook")),
	}
}

// WebhookResponse acknowledges a delivery
type WebhookResponse struct {
	Received   bool   `json:"received"`
	Skipped    bool   `json:"skipped,omitempty"`
	LicenseKey string `json:"license_key,omitempty"`
}

// HandlePayment handles POST /api/webhook. Status codes drive the
// processor's retry behavior: 400 for deliveries that can never
// succeed, 500 for transient store failures worth retrying, 200 for
// everything absorbed.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.reject(w, r, apperrors.InvalidRequest("could not read request body", r.URL.Path))
		return
	}

	trigger, err := h.paymentVerifier.VerifyAndDecode(payload, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		h.rejectEventError(w, r, err)
		return
	}

	if trigger.Kind != payment.EventCheckoutCompleted {
		h.logger.InfoContext(ctx, "ignoring webhook event",
			slog.String("event_kind", trigger.Kind))
		render.JSON(w, r, &WebhookResponse{Received: true, Skipped: true})
		return
	}

	h.issue(w, r, trigger)
}

// HandleOrder handles POST /api/order-webhook. The order path uses the
// same shared-secret contract as the payment path; when no secret is
// configured the endpoint refuses rather than trusting the caller.
func (h *WebhookHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	if !h.orderVerifier.Configured() {
		h.reject(w, r, apperrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/webhook-not-configured",
			"Webhook Not Configured",
			"order webhook secret is not configured",
			r.URL.Path,
		))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.reject(w, r, apperrors.InvalidRequest("could not read request body", r.URL.Path))
		return
	}

	trigger, err := h.orderVerifier.VerifyAndDecodeOrder(payload, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		h.rejectEventError(w, r, err)
		return
	}

	h.issue(w, r, trigger)
}

func (h *WebhookHandler) issue(w http.ResponseWriter, r *http.Request, trigger *license.Trigger) {
	ctx := r.Context()

	record, err := h.service.IssueFromTrigger(ctx, trigger)
	if err != nil {
		if errors.Is(err, apperrors.ErrEmailMissing) {
			h.reject(w, r, apperrors.InvalidRequest("event carries no customer email", r.URL.Path))
			return
		}
		// Transient store failure: no key was issued, tell the sender
		// to redeliver.
		h.logger.ErrorContext(ctx, "license issuance failed",
			slog.String("order_ref", trigger.OrderRef),
			slog.String("error", err.Error()))
		h.reject(w, r, apperrors.StoreFailureProblem(r.URL.Path))
		return
	}

	render.JSON(w, r, &WebhookResponse{
		Received:   true,
		LicenseKey: record.Key,
	})
}

func (h *WebhookHandler) rejectEventError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	if h.metrics != nil {
		h.metrics.RejectedWebhookEvents.Add(ctx, 1)
	}

	switch {
	case errors.Is(err, apperrors.ErrInvalidSignature):
		h.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("error", err.Error()))
		h.reject(w, r, apperrors.InvalidSignatureProblem(r.URL.Path))
	case errors.Is(err, apperrors.ErrMalformedEvent):
		h.logger.WarnContext(ctx, "malformed webhook event",
			slog.String("error", err.Error()))
		h.reject(w, r, apperrors.InvalidRequest("malformed event payload", r.URL.Path))
	default:
		h.reject(w, r, apperrors.Internal("webhook processing failed", r.URL.Path))
	}
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, problem *apperrors.ProblemDetails) {
	if traceID := infrastructure.GetTraceID(r.Context()); traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	_ = render.Render(w, r, problem)
}
