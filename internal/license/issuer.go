package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "keymint/internal/errors"
)

// MaxBatchSize caps a single bulk generation request so one call cannot
// exhaust the store or the process
const MaxBatchSize = 1000

// Trigger is the normalized, authenticated representation of a payment
// event used to issue a license
type Trigger struct {
	Email    string
	OrderRef string
	Kind     string
}

// Store is the durable mapping from license key to record consumed by
// the issuer and the activation service. Implementations must make
// Insert all-or-nothing and serialize conflicting writes to one key.
type Store interface {
	// Insert persists records in a single transaction. A duplicate
	// order reference fails the whole insert with ErrDuplicateOrder.
	Insert(ctx context.Context, records []*Record) error
	// FindByKey returns the record for key, or ErrLicenseNotFound.
	FindByKey(ctx context.Context, key string) (*Record, error)
	// FindByOrderRef returns the record tied to an external order
	// reference, or ErrLicenseNotFound.
	FindByOrderRef(ctx context.Context, orderRef string) (*Record, error)
	// FindLatestByEmail returns the most recently created record for
	// email, or ErrLicenseNotFound.
	FindLatestByEmail(ctx context.Context, email string) (*Record, error)
	// Activate transitions a record from inactive to active, setting
	// activated_at. Returns ErrLicenseNotFound for unknown keys and
	// ErrAlreadyActivated when the record is already active.
	Activate(ctx context.Context, key string, now time.Time) (*Record, error)
}

// Issuer creates license records, either singly from a confirmed
// payment trigger or in bulk as unactivated pre-issued keys
type Issuer struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer creates a new issuer backed by store
func NewIssuer(store Store, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:  store,
		logger: logger.With(slog.String("component", "issuer")),
		now:    time.Now,
	}
}

// Issue creates and persists one active license record for a confirmed
// payment trigger. The record carries active=true and a nil
// activated_at: issuance is not an activation transition.
//
// Redelivered events are absorbed here: when the trigger carries an
// order reference that already has a record, the existing record is
// returned with duplicate=true and nothing is inserted.
func (i *Issuer) Issue(ctx context.Context, trigger *Trigger) (record *Record, duplicate bool, err error) {
	if trigger == nil || trigger.Email == "" {
		return nil, false, apperrors.ErrEmailMissing
	}

	if trigger.OrderRef != "" {
		existing, err := i.store.FindByOrderRef(ctx, trigger.OrderRef)
		if err == nil {
			i.logger.InfoContext(ctx, "duplicate payment event, returning existing license",
				slog.String("order_ref", trigger.OrderRef),
				slog.String("license_key", MaskKey(existing.Key)),
			)
			return existing, true, nil
		}
		if !errors.Is(err, apperrors.ErrLicenseNotFound) {
			return nil, false, fmt.Errorf("order reference lookup failed: %w", err)
		}
	}

	key, err := NewKey()
	if err != nil {
		return nil, false, err
	}

	record = &Record{
		Key:       key,
		Email:     trigger.Email,
		Active:    true,
		CreatedAt: i.now().UTC(),
		OrderRef:  trigger.OrderRef,
	}

	if err := i.store.Insert(ctx, []*Record{record}); err != nil {
		// Two deliveries can race past the pre-check; the unique
		// order_ref constraint decides, and the loser adopts the
		// winner's record.
		if errors.Is(err, apperrors.ErrDuplicateOrder) && trigger.OrderRef != "" {
			existing, findErr := i.store.FindByOrderRef(ctx, trigger.OrderRef)
			if findErr == nil {
				return existing, true, nil
			}
		}
		i.logger.ErrorContext(ctx, "license insert failed, key not issued",
			slog.String("license_key", MaskKey(key)),
			slog.String("order_ref", trigger.OrderRef),
			slog.String("error", err.Error()),
		)
		return nil, false, err
	}

	i.logger.InfoContext(ctx, "license issued",
		slog.String("license_key", MaskKey(key)),
		slog.String("email", trigger.Email),
		slog.String("order_ref", trigger.OrderRef),
	)

	return record, false, nil
}

// GenerateBatch creates count unactivated records, each independently
// keyed, sharing the same optional email. The whole batch persists in
// one transaction; partial success is reported as total failure.
func (i *Issuer) GenerateBatch(ctx context.Context, count int, email string) ([]*Record, error) {
	if count <= 0 || count > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d (must be 1-%d)", apperrors.ErrInvalidCount, count, MaxBatchSize)
	}

	now := i.now().UTC()
	records := make([]*Record, 0, count)
	for range count {
		key, err := NewKey()
		if err != nil {
			return nil, err
		}
		records = append(records, &Record{
			Key:       key,
			Email:     email,
			Active:    false,
			CreatedAt: now,
		})
	}

	if err := i.store.Insert(ctx, records); err != nil {
		i.logger.ErrorContext(ctx, "batch insert failed, no keys issued",
			slog.Int("count", count),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	i.logger.InfoContext(ctx, "license batch generated",
		slog.Int("count", count),
		slog.Bool("has_email", email != ""),
	)

	return records, nil
}
