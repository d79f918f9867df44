package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/tenant"
)

// MemStore is an in-process Store for single-node deployments and tests.
// Mutations for a given (store, variant) key are serialized by a per-key
// mutex so the availability check and the insert cannot interleave.
type MemStore struct {
	mu       sync.Mutex
	variants map[memKey]*variantState
	index    map[uuid.UUID]*variantState
}

type memKey struct {
	store   string
	variant uuid.UUID
}

type variantState struct {
	mu           sync.Mutex
	key          memKey
	variant      Variant
	reservations map[uuid.UUID]*Reservation
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		variants: make(map[memKey]*variantState),
		index:    make(map[uuid.UUID]*variantState),
	}
}

// PutVariant seeds or replaces a variant for the store scope.
func (m *MemStore) PutVariant(storeID string, v Variant) {
	key := memKey{store: storeID, variant: v.ID}
	m.mu.Lock()
	state, ok := m.variants[key]
	if !ok {
		state = &variantState{key: key, reservations: make(map[uuid.UUID]*Reservation)}
		m.variants[key] = state
	}
	m.mu.Unlock()

	state.mu.Lock()
	state.variant = v
	state.mu.Unlock()
}

func (m *MemStore) state(ctx context.Context, variantID uuid.UUID) (*variantState, error) {
	storeID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.variants[memKey{store: storeID, variant: variantID}]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

func (m *MemStore) stateByReservation(id uuid.UUID) (*variantState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

// GetVariant implements Store.
func (m *MemStore) GetVariant(ctx context.Context, variantID uuid.UUID) (Variant, error) {
	state, err := m.state(ctx, variantID)
	if err != nil {
		return Variant{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.variant, nil
}

func sameLocation(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *variantState) activeSum(locationID *uuid.UUID, now time.Time) int64 {
	var sum int64
	for _, r := range s.reservations {
		if r.ActiveAt(now) && sameLocation(r.LocationID, locationID) {
			sum += r.Qty
		}
	}
	return sum
}

// CreateReservation implements Store. The check and the insert run under
// the variant's mutex, the in-process equivalent of a conditional update.
func (m *MemStore) CreateReservation(ctx context.Context, r Reservation, enforce bool) (int64, error) {
	state, err := m.state(ctx, r.VariantID)
	if err != nil {
		return 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	available := state.variant.OnHand - state.activeSum(r.LocationID, r.CreatedAt)
	if enforce && available < r.Qty {
		return available, ErrInsufficientStock
	}
	stored := r
	state.reservations[r.ID] = &stored

	m.mu.Lock()
	m.index[r.ID] = state
	m.mu.Unlock()
	return available, nil
}

// GetReservation implements Store.
func (m *MemStore) GetReservation(_ context.Context, id uuid.UUID) (Reservation, error) {
	state, err := m.stateByReservation(id)
	if err != nil {
		return Reservation{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	r, ok := state.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return *r, nil
}

// ReleaseReservation implements Store.
func (m *MemStore) ReleaseReservation(_ context.Context, id uuid.UUID) (bool, error) {
	state, err := m.stateByReservation(id)
	if err != nil {
		return false, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	r, ok := state.reservations[id]
	if !ok {
		return false, ErrNotFound
	}
	switch r.Status {
	case StatusReleased:
		return false, nil
	case StatusCommitted:
		return false, ErrInvalidTransition
	}
	r.Status = StatusReleased
	return true, nil
}

// CommitReservation implements Store. Commit decrements on-hand and retires
// the reservation from the active set in one critical section.
func (m *MemStore) CommitReservation(_ context.Context, id uuid.UUID, now time.Time) (Reservation, error) {
	state, err := m.stateByReservation(id)
	if err != nil {
		return Reservation{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	r, ok := state.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if r.Kind != KindOrder || !r.ActiveAt(now) {
		return Reservation{}, ErrInvalidTransition
	}
	r.Status = StatusCommitted
	state.variant.OnHand -= r.Qty
	return *r, nil
}

// SweepExpired implements Store.
func (m *MemStore) SweepExpired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	states := make([]*variantState, 0, len(m.variants))
	for _, s := range m.variants {
		states = append(states, s)
	}
	m.mu.Unlock()

	var out []Reservation
	for _, state := range states {
		state.mu.Lock()
		for _, r := range state.reservations {
			if r.Status != StatusReserved || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
				continue
			}
			r.Status = StatusReleased
			out = append(out, *r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		state.mu.Unlock()
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AvailableQuantity implements Store.
func (m *MemStore) AvailableQuantity(ctx context.Context, variantID uuid.UUID, locationID *uuid.UUID, now time.Time) (int64, error) {
	state, err := m.state(ctx, variantID)
	if err != nil {
		return 0, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.variant.OnHand - state.activeSum(locationID, now), nil
}
