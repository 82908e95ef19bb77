package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/payment"
)

// LicenseService coordinates license operations across the issuer,
// the store, the payment processor, and the order system.
type LicenseService interface {
	Generate(ctx context.Context, count int, email string) ([]*license.Record, error)
	Activate(ctx context.Context, key string) (*license.Record, error)
	Verify(ctx context.Context, key string) (*license.Record, bool, error)
	IssueFromTrigger(ctx context.Context, trigger *license.Trigger) (*license.Record, error)
	LicenseForSession(ctx context.Context, sessionID string) (*license.Record, error)
	CreateCheckout(ctx context.Context, orderRef string) (*payment.CheckoutSession, error)
}

// SessionResolver resolves buyer emails from completed checkout
// sessions.
type SessionResolver interface {
	SessionEmail(ctx context.Context, sessionID string) (string, error)
}

// CheckoutCreator creates hosted checkout sessions
type CheckoutCreator interface {
	CreateSession(ctx context.Context, orderRef string) (*payment.CheckoutSession, error)
}

// OrderAnnotator writes issued keys back onto storefront orders
type OrderAnnotator interface {
	Annotate(ctx context.Context, orderRef, key string) error
}

type licenseService struct {
	issuer    *license.Issuer
	store     license.Store
	checkout  CheckoutCreator
	sessions  SessionResolver
	annotator OrderAnnotator
	metrics   *infrastructure.BusinessMetrics
	logger    *slog.Logger

	// annotationTimeout bounds the detached annotation call; the
	// request context is already gone by the time it runs.
	annotationTimeout time.Duration
}

// NewLicenseService creates the license service. metrics may be nil in
// tests; annotator may be nil when no order system is configured.
func NewLicenseService(
	issuer *license.Issuer,
	store license.Store,
	checkout CheckoutCreator,
	sessions SessionResolver,
	annotator OrderAnnotator,
	metrics *infrastructure.BusinessMetrics,
	logger *slog.Logger,
) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		issuer:            issuer,
		store:             store,
		checkout:          checkout,
		sessions:          sessions,
		annotator:         annotator,
		metrics:           metrics,
		logger:            logger.With(slog.String("component", "license_service")),
		annotationTimeout: 15 * time.Second,
	}
}

// Generate creates count inactive license keys in a single batch
func (s *licenseService) Generate(ctx context.Context, count int, email string) ([]*license.Record, error) {
	records, err := s.issuer.GenerateBatch(ctx, count, email)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LicensesGenerated.Add(ctx, int64(len(records)))
	}
	s.logger.InfoContext(ctx, "license batch generated",
		slog.Int("count", len(records)),
		slog.String("email", email))
	return records, nil
}

// Activate transitions a key from inactive to active
func (s *licenseService) Activate(ctx context.Context, key string) (*license.Record, error) {
	ctx, span := otel.Tracer("license-service").Start(ctx, "license_service.activate",
		trace.WithAttributes(attribute.String("license_key", license.MaskKey(key))))
	defer span.End()

	if s.metrics != nil {
		s.metrics.ActivationAttempts.Add(ctx, 1)
	}

	if !license.ValidKey(key) {
		return nil, apperrors.ErrLicenseNotFound
	}

	record, err := s.store.Activate(ctx, key, time.Now().UTC())
	if err != nil {
		infrastructure.RecordError(ctx, err)
		s.logger.WarnContext(ctx, "activation rejected",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("error", err.Error()))
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ActivationSuccess.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", license.MaskKey(record.Key)))
	return record, nil
}

// Verify reports whether a key exists and is active. An unknown key is
// not an error; it verifies as invalid.
func (s *licenseService) Verify(ctx context.Context, key string) (*license.Record, bool, error) {
	if s.metrics != nil {
		s.metrics.VerificationChecks.Add(ctx, 1)
	}

	if !license.ValidKey(key) {
		return nil, false, nil
	}

	record, err := s.store.FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return record, record.Active, nil
}

// IssueFromTrigger issues a license for a verified payment event and
// kicks off the best-effort order annotation. The annotation runs
// detached: its failure never unwinds the issued license.
func (s *licenseService) IssueFromTrigger(ctx context.Context, trigger *license.Trigger) (*license.Record, error) {
	kind := ""
	if trigger != nil {
		kind = trigger.Kind
	}
	ctx, span := otel.Tracer("license-service").Start(ctx, "license_service.issue",
		trace.WithAttributes(attribute.String("event_kind", kind)))
	defer span.End()

	start := time.Now()

	record, duplicate, err := s.issuer.Issue(ctx, trigger)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return nil, err
	}

	if duplicate {
		if s.metrics != nil {
			s.metrics.DuplicateWebhookEvents.Add(ctx, 1)
		}
		// The original delivery already annotated the order.
		infrastructure.AddSpanEvent(ctx, "duplicate_event_absorbed", map[string]interface{}{
			"order_ref": trigger.OrderRef,
		})
		return record, nil
	}

	infrastructure.AddSpanEvent(ctx, "license_issued", map[string]interface{}{
		"order_ref": record.OrderRef,
	})

	if s.metrics != nil {
		s.metrics.LicensesIssued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("event_kind", trigger.Kind)))
		s.metrics.IssuanceDuration.Record(ctx, time.Since(start).Seconds())
	}

	if s.annotator != nil && record.OrderRef != "" {
		s.annotateDetached(ctx, record.OrderRef, record.Key)
	}

	return record, nil
}

// annotateDetached runs the order annotation on its own context so the
// webhook response does not wait on the order system.
func (s *licenseService) annotateDetached(ctx context.Context, orderRef, key string) {
	traceID := infrastructure.GetTraceID(ctx)

	go func() {
		annotateCtx, cancel := context.WithTimeout(context.Background(), s.annotationTimeout)
		defer cancel()
		if traceID != "" {
			annotateCtx = infrastructure.WithTraceID(annotateCtx, traceID)
		}

		if err := s.annotator.Annotate(annotateCtx, orderRef, key); err != nil {
			if s.metrics != nil {
				s.metrics.AnnotationFailures.Add(annotateCtx, 1)
			}
			s.logger.ErrorContext(annotateCtx, "order annotation failed",
				slog.String("order_ref", orderRef),
				slog.String("license_key", license.MaskKey(key)),
				slog.String("error", err.Error()))
		}
	}()
}

// LicenseForSession returns the license issued for a completed
// checkout session, resolving the session to the buyer email first.
func (s *licenseService) LicenseForSession(ctx context.Context, sessionID string) (*license.Record, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("checkout is not configured")
	}

	email, err := s.sessions.SessionEmail(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve checkout session: %w", err)
	}

	record, err := s.store.FindLatestByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateCheckout creates a hosted checkout session for a buyer
func (s *licenseService) CreateCheckout(ctx context.Context, orderRef string) (*payment.CheckoutSession, error) {
	if s.checkout == nil {
		return nil, fmt.Errorf("checkout is not configured")
	}

	session, err := s.checkout.CreateSession(ctx, orderRef)
	if err != nil {
		s.logger.ErrorContext(ctx, "checkout session creation failed",
			slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "checkout session created",
		slog.String("session_id", session.ID))
	return session, nil
}
