package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commerce-core/internal/events"
	"github.com/noah-isme/commerce-core/internal/obs"
)

// Handlers processes the domain event tasks. The core only observes these
// events; notification fan-out belongs to the host application.
type Handlers struct {
	Logger zerolog.Logger
}

// Register attaches every task handler to the mux.
func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReservationExpired, h.HandleReservationExpired)
	mux.HandleFunc(TypeStockInsufficient, h.HandleStockInsufficient)
	mux.HandleFunc(TypeLowStock, h.HandleLowStock)
	mux.HandleFunc(TypeDiscountApplied, h.HandleDiscountApplied)
}

// HandleReservationExpired records sweeper reclaims.
func (h Handlers) HandleReservationExpired(_ context.Context, t *asynq.Task) error {
	var evt events.ReservationExpired
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode %s: %w", t.Type(), err)
	}
	h.Logger.Info().
		Str("store_id", evt.StoreID).
		Str("reservation_id", evt.ReservationID.String()).
		Str("variant_id", evt.VariantID.String()).
		Int64("qty", evt.Qty).
		Time("expired_at", evt.ExpiredAt).
		Msg("reservation expired")
	return nil
}

// HandleStockInsufficient records refused reservations.
func (h Handlers) HandleStockInsufficient(_ context.Context, t *asynq.Task) error {
	var evt events.StockInsufficient
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode %s: %w", t.Type(), err)
	}
	if obs.ReservationConflictsTotal != nil {
		obs.ReservationConflictsTotal.Inc()
	}
	h.Logger.Warn().
		Str("store_id", evt.StoreID).
		Str("variant_id", evt.VariantID.String()).
		Int64("requested", evt.Requested).
		Int64("available", evt.Available).
		Msg("stock insufficient")
	return nil
}

// HandleLowStock records threshold crossings.
func (h Handlers) HandleLowStock(_ context.Context, t *asynq.Task) error {
	var evt events.LowStockCrossed
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode %s: %w", t.Type(), err)
	}
	if obs.LowStockEventsTotal != nil {
		obs.LowStockEventsTotal.Inc()
	}
	h.Logger.Warn().
		Str("store_id", evt.StoreID).
		Str("variant_id", evt.VariantID.String()).
		Int64("available", evt.Available).
		Int64("threshold", evt.Threshold).
		Msg("low stock threshold crossed")
	return nil
}

// HandleDiscountApplied records applied discounts.
func (h Handlers) HandleDiscountApplied(_ context.Context, t *asynq.Task) error {
	var evt events.DiscountApplied
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode %s: %w", t.Type(), err)
	}
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	if obs.DiscountAppliedTotal != nil {
		obs.DiscountAppliedTotal.WithLabelValues(kind).Inc()
	}
	h.Logger.Info().
		Str("store_id", evt.StoreID).
		Str("discount_id", evt.DiscountID.String()).
		Str("code", evt.Code).
		Str("kind", kind).
		Int64("amount", evt.Amount).
		Msg("discount applied")
	return nil
}
