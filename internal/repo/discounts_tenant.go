package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/commerce-core/internal/discount"
	"github.com/noah-isme/commerce-core/internal/money"
)

// DiscountsTenantRepo implements discount.Querier over Postgres with store
// scoping applied to every query.
type DiscountsTenantRepo struct {
	Pool *pgxpool.Pool
}

// ListActiveDiscounts loads the active discount catalog for the store in
// context. Time-window and limit checks stay in the engine so an explicit
// code can surface the precise refusal reason.
func (r DiscountsTenantRepo) ListActiveDiscounts(ctx context.Context) ([]discount.Discount, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT id, code, kind, value, percent_bps, product_ids, category_ids,
		       min_order, max_order, max_discount, usage_limit, usage_count,
		       per_customer_limit, budget_limit, budget_used, active, automatic,
		       priority, combinable, starts_at, ends_at,
		       buy_qty, get_qty, get_discount_bps, created_at
		FROM discounts
		WHERE store_id = $1 AND active`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []discount.Discount
	for rows.Next() {
		var (
			d           discount.Discount
			id          pgtype.UUID
			kind        string
			productIDs  []pgtype.UUID
			categoryIDs []pgtype.UUID
		)
		err := rows.Scan(&id, &d.Code, &kind, &d.Value, &d.PercentBps, &productIDs, &categoryIDs,
			&d.MinOrder, &d.MaxOrder, &d.MaxDiscount, &d.UsageLimit, &d.UsageCount,
			&d.PerCustomerLimit, &d.BudgetLimit, &d.BudgetUsed, &d.Active, &d.Automatic,
			&d.Priority, &d.Combinable, &d.StartsAt, &d.EndsAt,
			&d.BuyQty, &d.GetQty, &d.GetDiscountBps, &d.CreatedAt)
		if err != nil {
			return nil, err
		}
		d.ID = fromPGUUID(id)
		d.Kind = discount.Kind(kind)
		d.ProductIDs = uuidSlice(productIDs)
		d.CategoryIDs = uuidSlice(categoryIDs)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountRedemptionsByCustomer returns the customer's redemption count per
// discount for the store in context.
func (r DiscountsTenantRepo) CountRedemptionsByCustomer(ctx context.Context, customerID uuid.UUID) (map[uuid.UUID]int32, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT discount_id, COUNT(*)
		FROM discount_redemptions
		WHERE store_id = $1 AND customer_id = $2
		GROUP BY discount_id`, storeID, pgUUID(customerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int32)
	for rows.Next() {
		var (
			id    pgtype.UUID
			count int32
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[fromPGUUID(id)] = count
	}
	return out, rows.Err()
}

// GetRedemptionByOrder retrieves the redemption recorded for the discount
// and order, mapping absence to discount.ErrNoRedemption.
func (r DiscountsTenantRepo) GetRedemptionByOrder(ctx context.Context, discountID, orderID uuid.UUID) (discount.Redemption, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return discount.Redemption{}, err
	}
	var (
		did        pgtype.UUID
		oid        pgtype.UUID
		customerID pgtype.UUID
		amount     money.Money
		createdAt  time.Time
	)
	err = r.Pool.QueryRow(ctx, `
		SELECT discount_id, order_id, customer_id, amount, created_at
		FROM discount_redemptions
		WHERE store_id = $1 AND discount_id = $2 AND order_id = $3`,
		storeID, pgUUID(discountID), pgUUID(orderID)).
		Scan(&did, &oid, &customerID, &amount, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return discount.Redemption{}, discount.ErrNoRedemption
	}
	if err != nil {
		return discount.Redemption{}, err
	}
	return discount.Redemption{
		DiscountID: fromPGUUID(did),
		OrderID:    fromPGUUID(oid),
		CustomerID: fromPGUUIDPtr(customerID),
		Amount:     amount,
		CreatedAt:  createdAt,
	}, nil
}

// InsertRedemption records one redemption for an order.
func (r DiscountsTenantRepo) InsertRedemption(ctx context.Context, red discount.Redemption) error {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO discount_redemptions (store_id, discount_id, order_id, customer_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store_id, discount_id, order_id) DO NOTHING`,
		storeID, pgUUID(red.DiscountID), pgUUID(red.OrderID), pgUUIDPtr(red.CustomerID), red.Amount, red.CreatedAt)
	return err
}

// ApplyRedemption increments the discount's usage count and spent budget.
func (r DiscountsTenantRepo) ApplyRedemption(ctx context.Context, discountID uuid.UUID, amount money.Money) error {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, `
		UPDATE discounts
		SET usage_count = usage_count + 1, budget_used = budget_used + $3
		WHERE store_id = $1 AND id = $2`, storeID, pgUUID(discountID), amount)
	return err
}

func uuidSlice(in []pgtype.UUID) []uuid.UUID {
	if len(in) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(in))
	for _, v := range in {
		if v.Valid {
			out = append(out, uuid.UUID(v.Bytes))
		}
	}
	return out
}
