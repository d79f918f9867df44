package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/money"
)

// Topic constants for domain events emitted by the core.
const (
	TopicReservationExpired = "ledger.reservation_expired"
	TopicStockInsufficient  = "ledger.stock_insufficient"
	TopicLowStockCrossed    = "ledger.low_stock_crossed"
	TopicDiscountApplied    = "pricing.discount_applied"
)

// DefaultTopics returns the canonical list of topics the core emits.
func DefaultTopics() []string {
	return []string{
		TopicReservationExpired,
		TopicStockInsufficient,
		TopicLowStockCrossed,
		TopicDiscountApplied,
	}
}

// Event is a closed set of plain data records. Delivery and ordering to
// subscribers is the host's responsibility, not the core's.
type Event interface {
	Topic() string
}

// ReservationExpired is emitted when the sweep reclaims an expired reservation.
type ReservationExpired struct {
	ReservationID uuid.UUID `json:"reservationId"`
	StoreID       string    `json:"storeId"`
	VariantID     uuid.UUID `json:"variantId"`
	Qty           int64     `json:"qty"`
	ExpiredAt     time.Time `json:"expiredAt"`
}

// Topic implements Event.
func (ReservationExpired) Topic() string { return TopicReservationExpired }

// StockInsufficient is emitted when a reservation is refused for lack of stock.
type StockInsufficient struct {
	StoreID   string    `json:"storeId"`
	VariantID uuid.UUID `json:"variantId"`
	Requested int64     `json:"requested"`
	Available int64     `json:"available"`
}

// Topic implements Event.
func (StockInsufficient) Topic() string { return TopicStockInsufficient }

// LowStockCrossed is emitted when available stock falls to or below the
// configured threshold.
type LowStockCrossed struct {
	StoreID   string    `json:"storeId"`
	VariantID uuid.UUID `json:"variantId"`
	Available int64     `json:"available"`
	Threshold int64     `json:"threshold"`
}

// Topic implements Event.
func (LowStockCrossed) Topic() string { return TopicLowStockCrossed }

// DiscountApplied is emitted for every discount selected for an order.
type DiscountApplied struct {
	StoreID    string      `json:"storeId"`
	DiscountID uuid.UUID   `json:"discountId"`
	Code       string      `json:"code"`
	Kind       string      `json:"kind"`
	Amount     money.Money `json:"amount"`
}

// Topic implements Event.
func (DiscountApplied) Topic() string { return TopicDiscountApplied }
