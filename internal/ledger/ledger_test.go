package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/noah-isme/commerce-core/internal/events"
	"github.com/noah-isme/commerce-core/internal/obs"
	"github.com/noah-isme/commerce-core/internal/tenant"
)

const testStore = "store-1"

func testCtx() context.Context {
	return tenant.With(context.Background(), testStore)
}

func newTestLedger(onHand int64) (*Ledger, *MemStore, uuid.UUID) {
	store := NewMemStore()
	variantID := uuid.New()
	store.PutVariant(testStore, Variant{ID: variantID, TrackInventory: true, OnHand: onHand})
	l := &Ledger{Store: store, CartTTL: 30 * time.Minute}
	return l, store, variantID
}

func reserveReq(variantID uuid.UUID, qty int64) ReserveRequest {
	return ReserveRequest{VariantID: variantID, LineRef: "line-1", Kind: KindCart, Qty: qty}
}

func TestReserveReducesAvailability(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()

	if _, err := l.Reserve(ctx, reserveReq(variantID, 3)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	available, err := l.Available(ctx, variantID, nil)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if available != 2 {
		t.Fatalf("available = %d, want 2", available)
	}

	_, err = l.Reserve(ctx, reserveReq(variantID, 3))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var short *InsufficientStockError
	if !errors.As(err, &short) || short.Available != 2 {
		t.Fatalf("expected available 2 in error, got %+v", short)
	}
}

func TestReserveRequiresTenantScope(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	_, err := l.Reserve(context.Background(), reserveReq(variantID, 1))
	if !errors.Is(err, tenant.ErrMissing) {
		t.Fatalf("expected tenant.ErrMissing, got %v", err)
	}
}

func TestReserveValidation(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()

	cases := []ReserveRequest{
		{VariantID: variantID, LineRef: "x", Kind: KindCart, Qty: 0},
		{VariantID: variantID, LineRef: "x", Kind: KindCart, Qty: -1},
		{VariantID: variantID, LineRef: "", Kind: KindCart, Qty: 1},
		{VariantID: variantID, LineRef: "x", Kind: "wishlist", Qty: 1},
		{LineRef: "x", Kind: KindCart, Qty: 1},
	}
	for i, req := range cases {
		if _, err := l.Reserve(ctx, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestReserveUntrackedVariantNeverBlocks(t *testing.T) {
	l, store, _ := newTestLedger(5)
	untracked := uuid.New()
	store.PutVariant(testStore, Variant{ID: untracked, TrackInventory: false, OnHand: 0})
	ctx := testCtx()

	if _, err := l.Reserve(ctx, reserveReq(untracked, 100)); err != nil {
		t.Fatalf("Reserve untracked: %v", err)
	}
}

func TestReserveBackorderAllowed(t *testing.T) {
	l, store, _ := newTestLedger(0)
	back := uuid.New()
	store.PutVariant(testStore, Variant{ID: back, TrackInventory: true, AllowBackorder: true, OnHand: 1})
	ctx := testCtx()

	if _, err := l.Reserve(ctx, reserveReq(back, 10)); err != nil {
		t.Fatalf("Reserve backorder: %v", err)
	}
	available, err := l.Available(ctx, back, nil)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if available != -9 {
		t.Fatalf("available = %d, want -9", available)
	}
}

func TestReserveUnknownVariant(t *testing.T) {
	l, _, _ := newTestLedger(5)
	_, err := l.Reserve(testCtx(), reserveReq(uuid.New(), 1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()

	res, err := l.Reserve(ctx, reserveReq(variantID, 3))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Release(ctx, res.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(ctx, res.ID); err != nil {
		t.Fatalf("repeat Release: %v", err)
	}
	available, _ := l.Available(ctx, variantID, nil)
	if available != 5 {
		t.Fatalf("available = %d, want 5 after release", available)
	}
}

func TestCommitOrderReservation(t *testing.T) {
	l, store, variantID := newTestLedger(5)
	ctx := testCtx()

	res, err := l.Reserve(ctx, ReserveRequest{VariantID: variantID, LineRef: "o-1", Kind: KindOrder, Qty: 2})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	committed, err := l.Commit(ctx, res.ID)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed", committed.Status)
	}

	v, err := store.GetVariant(ctx, variantID)
	if err != nil {
		t.Fatalf("GetVariant: %v", err)
	}
	if v.OnHand != 3 {
		t.Fatalf("on hand = %d, want 3", v.OnHand)
	}
	// Availability is unchanged by commit: the active claim became a
	// permanent decrement.
	available, _ := l.Available(ctx, variantID, nil)
	if available != 3 {
		t.Fatalf("available = %d, want 3", available)
	}

	if _, err := l.Commit(ctx, res.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double commit, got %v", err)
	}
	if err := l.Release(ctx, res.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition releasing committed, got %v", err)
	}
}

func TestCommitCartReservationRejected(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()

	res, err := l.Reserve(ctx, reserveReq(variantID, 1))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := l.Commit(ctx, res.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()

	ttl := time.Duration(0)
	res, err := l.Reserve(ctx, ReserveRequest{VariantID: variantID, LineRef: "l", Kind: KindCart, Qty: 3, TTL: &ttl})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.ExpiresAt == nil {
		t.Fatal("expected expiry to be set")
	}
	// The claim is already expired, so it no longer counts against stock.
	available, _ := l.Available(ctx, variantID, nil)
	if available != 5 {
		t.Fatalf("available = %d, want 5", available)
	}
}

func TestSweepReclaimsExpired(t *testing.T) {
	rec := &events.Recorder{}
	l, _, variantID := newTestLedger(5)
	l.Events = &events.Bus{Sinks: []events.Sink{rec}}
	l.SweepBatchSize = 1
	ctx := testCtx()

	ttl := time.Duration(0)
	for i := 0; i < 3; i++ {
		if _, err := l.Reserve(ctx, ReserveRequest{VariantID: variantID, LineRef: "l", Kind: KindCart, Qty: 1, TTL: &ttl}); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}

	released, err := l.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if released != 3 {
		t.Fatalf("released = %d, want 3", released)
	}
	if got := len(rec.ByTopic(events.TopicReservationExpired)); got != 3 {
		t.Fatalf("expired events = %d, want 3", got)
	}

	// A second sweep finds nothing.
	released, err = l.SweepExpired(ctx)
	if err != nil || released != 0 {
		t.Fatalf("second sweep = %d err %v, want 0", released, err)
	}
}

func TestStockInsufficientEventEmitted(t *testing.T) {
	rec := &events.Recorder{}
	l, _, variantID := newTestLedger(1)
	l.Events = &events.Bus{Sinks: []events.Sink{rec}}

	_, err := l.Reserve(testCtx(), reserveReq(variantID, 2))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	got := rec.ByTopic(events.TopicStockInsufficient)
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	evt := got[0].(events.StockInsufficient)
	if evt.Requested != 2 || evt.Available != 1 {
		t.Fatalf("event = %+v", evt)
	}
}

func TestLowStockCrossedOnce(t *testing.T) {
	rec := &events.Recorder{}
	l, _, variantID := newTestLedger(10)
	l.Events = &events.Bus{Sinks: []events.Sink{rec}}
	l.LowStockThreshold = 5
	ctx := testCtx()

	// 10 -> 6 stays above the threshold.
	if _, err := l.Reserve(ctx, reserveReq(variantID, 4)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := len(rec.ByTopic(events.TopicLowStockCrossed)); got != 0 {
		t.Fatalf("events = %d, want 0 before crossing", got)
	}
	// 6 -> 4 crosses it.
	if _, err := l.Reserve(ctx, reserveReq(variantID, 2)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := len(rec.ByTopic(events.TopicLowStockCrossed)); got != 1 {
		t.Fatalf("events = %d, want 1 after crossing", got)
	}
	// 4 -> 3 is already below; no repeat event.
	if _, err := l.Reserve(ctx, reserveReq(variantID, 1)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := len(rec.ByTopic(events.TopicLowStockCrossed)); got != 1 {
		t.Fatalf("events = %d, want 1 after further draw", got)
	}
}

func TestAvailabilityPerLocation(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	ctx := testCtx()
	locA := uuid.New()

	if _, err := l.Reserve(ctx, ReserveRequest{VariantID: variantID, LocationID: &locA, LineRef: "l", Kind: KindCart, Qty: 3}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	atA, _ := l.Available(ctx, variantID, &locA)
	if atA != 2 {
		t.Fatalf("available at A = %d, want 2", atA)
	}
	atDefault, _ := l.Available(ctx, variantID, nil)
	if atDefault != 5 {
		t.Fatalf("available at default = %d, want 5", atDefault)
	}
}

func TestTenantIsolation(t *testing.T) {
	store := NewMemStore()
	variantID := uuid.New()
	store.PutVariant("store-a", Variant{ID: variantID, TrackInventory: true, OnHand: 1})
	store.PutVariant("store-b", Variant{ID: variantID, TrackInventory: true, OnHand: 7})
	l := &Ledger{Store: store}

	ctxA := tenant.With(context.Background(), "store-a")
	ctxB := tenant.With(context.Background(), "store-b")
	if _, err := l.Reserve(ctxA, reserveReq(variantID, 1)); err != nil {
		t.Fatalf("Reserve store-a: %v", err)
	}
	availableB, err := l.Available(ctxB, variantID, nil)
	if err != nil {
		t.Fatalf("Available store-b: %v", err)
	}
	if availableB != 7 {
		t.Fatalf("store-b available = %d, want 7", availableB)
	}
}

func TestReserveCountsOutcomes(t *testing.T) {
	obs.MustRegisterDomainMetrics("commerce", prometheus.NewRegistry())
	l, _, variantID := newTestLedger(2)
	ctx := testCtx()

	reservedBefore := testutil.ToFloat64(obs.ReservationsTotal.WithLabelValues("cart", "reserved"))
	insufficientBefore := testutil.ToFloat64(obs.ReservationsTotal.WithLabelValues("cart", "insufficient"))

	if _, err := l.Reserve(ctx, reserveReq(variantID, 2)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := l.Reserve(ctx, reserveReq(variantID, 1)); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if got := testutil.ToFloat64(obs.ReservationsTotal.WithLabelValues("cart", "reserved")); got != reservedBefore+1 {
		t.Fatalf("reserved count = %v, want %v", got, reservedBefore+1)
	}
	if got := testutil.ToFloat64(obs.ReservationsTotal.WithLabelValues("cart", "insufficient")); got != insufficientBefore+1 {
		t.Fatalf("insufficient count = %v, want %v", got, insufficientBefore+1)
	}
}

func TestCommitHonoursInjectedClock(t *testing.T) {
	l, _, variantID := newTestLedger(5)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.Now = func() time.Time { return now }
	ctx := testCtx()
	ttl := time.Hour

	// Still inside the expiry window by the ledger's clock, even though the
	// wall clock is long past it.
	res, err := l.Reserve(ctx, ReserveRequest{VariantID: variantID, LineRef: "line-1", Kind: KindOrder, Qty: 1, TTL: &ttl})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	now = base.Add(30 * time.Minute)
	if _, err := l.Commit(ctx, res.ID); err != nil {
		t.Fatalf("Commit within window: %v", err)
	}

	res, err = l.Reserve(ctx, ReserveRequest{VariantID: variantID, LineRef: "line-2", Kind: KindOrder, Qty: 1, TTL: &ttl})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := l.Commit(ctx, res.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after expiry, got %v", err)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	const onHand = 50
	l, _, variantID := newTestLedger(onHand)
	ctx := testCtx()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, reserveReq(variantID, 1)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != onHand {
		t.Fatalf("granted = %d, want exactly %d", granted, onHand)
	}
	available, _ := l.Available(ctx, variantID, nil)
	if available != 0 {
		t.Fatalf("available = %d, want 0", available)
	}
}
