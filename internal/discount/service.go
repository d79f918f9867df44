package discount

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/money"
)

// ErrNoRedemption is the sentinel a Querier returns when no redemption row
// exists for an order. Storage adapters map their own not-found errors to it.
var ErrNoRedemption = errors.New("discount: redemption not found")

// Redemption records one committed discount application for an order.
type Redemption struct {
	DiscountID uuid.UUID
	OrderID    uuid.UUID
	CustomerID *uuid.UUID
	Amount     money.Money
	CreatedAt  time.Time
}

// Querier captures the catalog and settlement operations required by the
// service. The pricing/discount logic carries no persistence dependency;
// the host wires a repository implementation.
type Querier interface {
	ListActiveDiscounts(ctx context.Context) ([]Discount, error)
	CountRedemptionsByCustomer(ctx context.Context, customerID uuid.UUID) (map[uuid.UUID]int32, error)
	GetRedemptionByOrder(ctx context.Context, discountID, orderID uuid.UUID) (Redemption, error)
	InsertRedemption(ctx context.Context, r Redemption) error
	ApplyRedemption(ctx context.Context, discountID uuid.UUID, amount money.Money) error
}

// Service evaluates the discount catalog and settles redemptions at
// order-commit time.
type Service struct {
	Q   Querier
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Candidates loads the active discount set together with the caller's
// per-customer redemption counts.
func (s *Service) Candidates(ctx context.Context, customerID *uuid.UUID) ([]Discount, CustomerContext, error) {
	if s == nil || s.Q == nil {
		return nil, CustomerContext{}, errors.New("discount service not configured")
	}
	candidates, err := s.Q.ListActiveDiscounts(ctx)
	if err != nil {
		return nil, CustomerContext{}, err
	}
	customer := CustomerContext{CustomerID: customerID}
	if customerID != nil {
		used, err := s.Q.CountRedemptionsByCustomer(ctx, *customerID)
		if err != nil {
			return nil, CustomerContext{}, err
		}
		customer.UsedByCustomer = used
	}
	return candidates, customer, nil
}

// Evaluate runs a selection pass without mutating state.
func (s *Service) Evaluate(ctx context.Context, lines []Line, customerID *uuid.UUID, explicitCode string) (Application, error) {
	candidates, customer, err := s.Candidates(ctx, customerID)
	if err != nil {
		return Application{}, err
	}
	return Select(s.now(), lines, customer, candidates, explicitCode)
}

// Settle persists the proposed increments for every applied discount,
// exactly once per order. Re-settling an already recorded order is a no-op,
// so the caller may safely retry inside the transaction that commits
// inventory.
func (s *Service) Settle(ctx context.Context, applied []Applied, orderID uuid.UUID, customerID *uuid.UUID) error {
	if s == nil || s.Q == nil {
		return errors.New("discount service not configured")
	}
	if orderID == uuid.Nil {
		return errors.New("discount: order id is required")
	}
	for _, a := range applied {
		if a.Amount < 0 {
			continue
		}
		_, err := s.Q.GetRedemptionByOrder(ctx, a.DiscountID, orderID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoRedemption) {
			return err
		}
		if err := s.Q.InsertRedemption(ctx, Redemption{
			DiscountID: a.DiscountID,
			OrderID:    orderID,
			CustomerID: customerID,
			Amount:     a.Amount,
			CreatedAt:  s.now(),
		}); err != nil {
			return err
		}
		if err := s.Q.ApplyRedemption(ctx, a.DiscountID, a.Amount); err != nil {
			return err
		}
	}
	return nil
}
