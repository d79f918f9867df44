package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/events"
	"github.com/noah-isme/commerce-core/internal/obs"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

var (
	// ErrValidation is returned for malformed requests. Always the caller's
	// fault; never retried.
	ErrValidation = errors.New("ledger: invalid request")
	// ErrNotFound indicates the variant or reservation does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInsufficientStock is the sentinel matched by errors.Is for refused
	// reservations; the concrete value is an *InsufficientStockError.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrInvalidTransition indicates a commit or release was attempted from a
	// state that does not permit it. A correct caller never triggers this.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrConflict indicates the underlying conditional update lost a race.
	// The single reserve call may be retried a bounded number of times;
	// commit must never be retried blindly.
	ErrConflict = errors.New("ledger: concurrency conflict")
)

// InsufficientStockError carries the quantity still available when a
// reservation is refused.
type InsufficientStockError struct {
	Available int64
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock, %d available", e.Available)
}

// Is allows errors.Is(err, ErrInsufficientStock) to match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Kind enumerates reservation origins.
type Kind string

const (
	KindCart     Kind = "cart"
	KindOrder    Kind = "order"
	KindTransfer Kind = "transfer"
)

// Status enumerates reservation states. Expiry is derived from ExpiresAt;
// the sweep rewrites expired rows to released.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Variant identifies a sellable SKU as seen by the ledger.
type Variant struct {
	ID             uuid.UUID
	TrackInventory bool
	AllowBackorder bool
	OnHand         int64
}

// Reservation is a claim on stock. It back-references the cart or order
// line by LineRef only, so releasing a line never requires the ledger to
// hold the line in memory.
type Reservation struct {
	ID         uuid.UUID
	StoreID    string
	VariantID  uuid.UUID
	LocationID *uuid.UUID
	LineRef    string
	Kind       Kind
	Qty        int64
	Status     Status
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// ActiveAt reports whether the reservation still holds stock at the instant.
func (r Reservation) ActiveAt(now time.Time) bool {
	if r.Status != StatusReserved {
		return false
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Store is the narrow persistence interface the ledger drives. The
// check-and-insert in CreateReservation must be atomic per
// (store, variant, location) key: a per-key mutex in process, a row lock or
// conditional update against a database.
type Store interface {
	GetVariant(ctx context.Context, variantID uuid.UUID) (Variant, error)
	// CreateReservation inserts the reservation. When enforce is true the
	// insert only succeeds while available stock covers the quantity;
	// otherwise ErrInsufficientStock is returned. The first return value is
	// the quantity available before the insert.
	CreateReservation(ctx context.Context, r Reservation, enforce bool) (int64, error)
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	// ReleaseReservation marks the reservation released. It reports whether
	// the state changed so callers can treat repeats as no-ops.
	ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error)
	// CommitReservation permanently converts a reserved order-kind row into
	// an on-hand decrement. The reservation must still be active at now.
	CommitReservation(ctx context.Context, id uuid.UUID, now time.Time) (Reservation, error)
	// SweepExpired rewrites up to limit expired rows to released and
	// returns them.
	SweepExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	AvailableQuantity(ctx context.Context, variantID uuid.UUID, locationID *uuid.UUID, now time.Time) (int64, error)
}

// ReserveRequest describes one claim on stock.
type ReserveRequest struct {
	VariantID  uuid.UUID `validate:"required"`
	LocationID *uuid.UUID
	LineRef    string `validate:"required"`
	Kind       Kind   `validate:"required,oneof=cart order transfer"`
	Qty        int64  `validate:"gt=0"`
	TTL        *time.Duration
}

var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// Ledger is the sole authority on available stock. All methods require the
// store scope in context (tenant.With).
type Ledger struct {
	Store             Store
	Events            events.Publisher
	Validate          *validator.Validate
	Now               func() time.Time
	CartTTL           time.Duration
	SweepBatchSize    int
	LowStockThreshold int64
}

func (l *Ledger) now() time.Time {
	if l != nil && l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) validate(req ReserveRequest) error {
	v := l.Validate
	if v == nil {
		v = defaultValidator
	}
	if err := v.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, e events.Event) {
	if l == nil || l.Events == nil {
		return
	}
	// Event delivery is fire-and-forget; a failing sink must not affect
	// the ledger result.
	_ = l.Events.Emit(ctx, e)
}

// Reserve claims quantity for a line. Cart reservations default to the
// configured TTL; order reservations carry no expiry until cancelled. A
// zero TTL creates a reservation that is already expired, which the next
// sweep reclaims.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if l == nil || l.Store == nil {
		return Reservation{}, errors.New("ledger not configured")
	}
	if err := l.validate(req); err != nil {
		return Reservation{}, err
	}
	storeID, err := tenant.Require(ctx)
	if err != nil {
		return Reservation{}, err
	}
	variant, err := l.Store.GetVariant(ctx, req.VariantID)
	if err != nil {
		return Reservation{}, err
	}

	now := l.now()
	res := Reservation{
		ID:         uuid.New(),
		StoreID:    storeID,
		VariantID:  req.VariantID,
		LocationID: req.LocationID,
		LineRef:    req.LineRef,
		Kind:       req.Kind,
		Qty:        req.Qty,
		Status:     StatusReserved,
		CreatedAt:  now,
	}
	switch {
	case req.TTL != nil:
		expires := now.Add(*req.TTL)
		res.ExpiresAt = &expires
	case req.Kind == KindCart:
		expires := now.Add(l.cartTTL())
		res.ExpiresAt = &expires
	}

	enforce := variant.TrackInventory && !variant.AllowBackorder
	available, err := l.Store.CreateReservation(ctx, res, enforce)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			countReservation(req.Kind, "insufficient")
			l.emit(ctx, events.StockInsufficient{
				StoreID:   storeID,
				VariantID: req.VariantID,
				Requested: req.Qty,
				Available: available,
			})
			return Reservation{}, &InsufficientStockError{Available: available}
		}
		if errors.Is(err, ErrConflict) {
			countReservation(req.Kind, "conflict")
		}
		return Reservation{}, err
	}
	countReservation(req.Kind, "reserved")

	if variant.TrackInventory && l.LowStockThreshold > 0 {
		after := available - req.Qty
		if available > l.LowStockThreshold && after <= l.LowStockThreshold {
			l.emit(ctx, events.LowStockCrossed{
				StoreID:   storeID,
				VariantID: req.VariantID,
				Available: after,
				Threshold: l.LowStockThreshold,
			})
		}
	}
	return res, nil
}

// Release marks the reservation inactive. Releasing an already released or
// expired reservation is a no-op, not an error.
func (l *Ledger) Release(ctx context.Context, id uuid.UUID) error {
	if l == nil || l.Store == nil {
		return errors.New("ledger not configured")
	}
	_, err := l.Store.ReleaseReservation(ctx, id)
	return err
}

// Commit converts an order-kind reservation into a permanent stock
// decrement. Only valid from the reserved state.
func (l *Ledger) Commit(ctx context.Context, id uuid.UUID) (Reservation, error) {
	if l == nil || l.Store == nil {
		return Reservation{}, errors.New("ledger not configured")
	}
	return l.Store.CommitReservation(ctx, id, l.now())
}

// Available returns on-hand minus active reservations for the key.
func (l *Ledger) Available(ctx context.Context, variantID uuid.UUID, locationID *uuid.UUID) (int64, error) {
	if l == nil || l.Store == nil {
		return 0, errors.New("ledger not configured")
	}
	return l.Store.AvailableQuantity(ctx, variantID, locationID, l.now())
}

// SweepExpired releases every reservation whose expiry has passed and
// returns how many were reclaimed. Safe to run concurrently with Reserve;
// a delayed sweep only makes stock more conservative, never less.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	if l == nil || l.Store == nil {
		return 0, errors.New("ledger not configured")
	}
	batch := l.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	now := l.now()
	total := 0
	for {
		expired, err := l.Store.SweepExpired(ctx, now, batch)
		if err != nil {
			return total, err
		}
		for _, r := range expired {
			expiredAt := now
			if r.ExpiresAt != nil {
				expiredAt = *r.ExpiresAt
			}
			l.emit(ctx, events.ReservationExpired{
				ReservationID: r.ID,
				StoreID:       r.StoreID,
				VariantID:     r.VariantID,
				Qty:           r.Qty,
				ExpiredAt:     expiredAt,
			})
		}
		total += len(expired)
		if len(expired) < batch {
			return total, nil
		}
	}
}

func countReservation(kind Kind, result string) {
	if obs.ReservationsTotal == nil {
		return
	}
	obs.ReservationsTotal.WithLabelValues(string(kind), result).Inc()
}

func (l *Ledger) cartTTL() time.Duration {
	if l == nil || l.CartTTL <= 0 {
		return 30 * time.Minute
	}
	return l.CartTTL
}
