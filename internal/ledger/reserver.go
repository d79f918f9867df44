package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Reserver accumulates reservations made during one multi-line operation
// (cart quote, checkout) and guarantees they are released together on every
// failure path, including panics. Usage:
//
//	res := ledger.NewReserver(l)
//	defer res.ReleaseOnFailure(ctx)
//	... res.Reserve(ctx, req) per line ...
//	res.Keep()
type Reserver struct {
	ledger *Ledger
	ids    []uuid.UUID
	kept   bool
}

// NewReserver returns a Reserver bound to the ledger.
func NewReserver(l *Ledger) *Reserver {
	return &Reserver{ledger: l}
}

// Reserve claims stock and remembers the reservation for rollback.
func (r *Reserver) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	res, err := r.ledger.Reserve(ctx, req)
	if err != nil {
		return Reservation{}, err
	}
	r.ids = append(r.ids, res.ID)
	return res, nil
}

// Keep marks the operation successful so ReleaseOnFailure becomes a no-op.
func (r *Reserver) Keep() {
	r.kept = true
}

// IDs returns the reservations created so far.
func (r *Reserver) IDs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.ids))
	copy(out, r.ids)
	return out
}

// ReleaseOnFailure releases every accumulated reservation unless Keep was
// called. Release is idempotent, so crashing between Release calls and
// retrying is safe.
func (r *Reserver) ReleaseOnFailure(ctx context.Context) {
	if r.kept {
		return
	}
	for _, id := range r.ids {
		_ = r.ledger.Release(ctx, id)
	}
}
