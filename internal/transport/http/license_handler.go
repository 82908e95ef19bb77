package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/services"
)

var validate = validator.New()

// LicenseHandler serves the license API endpoints
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// GenerateRequest is the bulk key generation payload
type GenerateRequest struct {
	Count int    `json:"count" validate:"required,min=1,max=1000"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Bind implements render.Binder
func (g *GenerateRequest) Bind(r *http.Request) error {
	return validate.Struct(g)
}

// GenerateResponse lists the newly generated keys
type GenerateResponse struct {
	Keys    []string `json:"keys"`
	Count   int      `json:"count"`
	TraceID string   `json:"trace_id,omitempty"`
}

// ActivateRequest carries the key to activate
type ActivateRequest struct {
	Key string `json:"key" validate:"required"`
}

// Bind implements render.Binder
func (a *ActivateRequest) Bind(r *http.Request) error {
	return validate.Struct(a)
}

// LicenseView is the JSON shape of a license record in responses
type LicenseView struct {
	Key         string     `json:"key"`
	Email       string     `json:"email,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	OrderRef    string     `json:"order_ref,omitempty"`
}

func viewOf(rec *license.Record) *LicenseView {
	if rec == nil {
		return nil
	}
	return &LicenseView{
		Key:         rec.Key,
		Email:       rec.Email,
		Active:      rec.Active,
		CreatedAt:   rec.CreatedAt,
		ActivatedAt: rec.ActivatedAt,
		OrderRef:    rec.OrderRef,
	}
}

// ActivateResponse confirms an activation
type ActivateResponse struct {
	Success bool         `json:"success"`
	License *LicenseView `json:"license"`
	TraceID string       `json:"trace_id,omitempty"`
}

// VerifyRequest carries the key to verify
type VerifyRequest struct {
	Key string `json:"key" validate:"required"`
}

// Bind implements render.Binder
func (v *VerifyRequest) Bind(r *http.Request) error {
	return validate.Struct(v)
}

// VerifyResponse reports whether a key is valid and active
type VerifyResponse struct {
	Valid   bool         `json:"valid"`
	License *LicenseView `json:"license,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// CheckoutRequest optionally ties the session to an external order
type CheckoutRequest struct {
	ExternalOrderRef string `json:"external_order_ref,omitempty"`
}

// Bind implements render.Binder
func (c *CheckoutRequest) Bind(r *http.Request) error {
	return nil
}

// CheckoutResponse carries the hosted payment page URL
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id,omitempty"`
}

// GetLicenseResponse wraps the license looked up for a session
type GetLicenseResponse struct {
	License *LicenseView `json:"license"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Generate handles POST /api/generate
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &GenerateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.InvalidRequest(err.Error(), r.URL.Path))
		return
	}

	records, err := h.service.Generate(ctx, req.Count, req.Email)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCount) {
			h.renderProblem(w, r, apperrors.InvalidRequest("count must be between 1 and 1000", r.URL.Path))
			return
		}
		h.renderProblem(w, r, apperrors.StoreFailureProblem(r.URL.Path))
		return
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, &GenerateResponse{
		Keys:    keys,
		Count:   len(keys),
		TraceID: infrastructure.GetTraceID(ctx),
	})
}

// Activate handles POST /api/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &ActivateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.InvalidRequest(err.Error(), r.URL.Path))
		return
	}

	record, err := h.service.Activate(ctx, req.Key)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrLicenseNotFound):
			h.renderProblem(w, r, apperrors.LicenseNotFoundProblem(r.URL.Path))
		case errors.Is(err, apperrors.ErrAlreadyActivated):
			h.renderProblem(w, r, apperrors.AlreadyActivatedProblem(r.URL.Path))
		default:
			h.renderProblem(w, r, apperrors.StoreFailureProblem(r.URL.Path))
		}
		return
	}

	render.JSON(w, r, &ActivateResponse{
		Success: true,
		License: viewOf(record),
		TraceID: infrastructure.GetTraceID(ctx),
	})
}

// Verify handles POST /api/verify. Unknown keys are a negative answer,
// not an error.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &VerifyRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderProblem(w, r, apperrors.InvalidRequest(err.Error(), r.URL.Path))
		return
	}

	record, valid, err := h.service.Verify(ctx, req.Key)
	if err != nil {
		h.renderProblem(w, r, apperrors.StoreFailureProblem(r.URL.Path))
		return
	}

	resp := &VerifyResponse{
		Valid:   valid,
		TraceID: infrastructure.GetTraceID(ctx),
	}
	if valid {
		resp.License = viewOf(record)
	}
	render.JSON(w, r, resp)
}

// GetLicense handles GET /api/get-license?session_id=
func (h *LicenseHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.renderProblem(w, r, apperrors.InvalidRequest("session_id is required", r.URL.Path))
		return
	}

	record, err := h.service.LicenseForSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			h.renderProblem(w, r, apperrors.LicenseNotFoundProblem(r.URL.Path))
			return
		}
		h.logger.ErrorContext(ctx, "license lookup by session failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		h.renderProblem(w, r, apperrors.Internal("could not resolve checkout session", r.URL.Path))
		return
	}

	render.JSON(w, r, &GetLicenseResponse{
		License: viewOf(record),
		TraceID: infrastructure.GetTraceID(ctx),
	})
}

// CreateCheckoutSession handles POST /api/create-checkout-session. The
// body is optional.
func (h *LicenseHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CheckoutRequest{}
	if r.ContentLength > 0 {
		if err := render.Bind(r, req); err != nil {
			h.renderProblem(w, r, apperrors.InvalidRequest(err.Error(), r.URL.Path))
			return
		}
	}

	session, err := h.service.CreateCheckout(ctx, req.ExternalOrderRef)
	if err != nil {
		h.renderProblem(w, r, apperrors.Internal("could not create checkout session", r.URL.Path))
		return
	}

	render.JSON(w, r, &CheckoutResponse{
		URL:       session.URL,
		SessionID: session.ID,
	})
}

func (h *LicenseHandler) renderProblem(w http.ResponseWriter, r *http.Request, problem *apperrors.ProblemDetails) {
	if traceID := infrastructure.GetTraceID(r.Context()); traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	_ = render.Render(w, r, problem)
}
