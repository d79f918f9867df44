package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/commerce-core/internal/ledger"
)

// ErrStaleOnHand indicates a compare-and-swap adjustment lost a race with a
// concurrent writer.
var ErrStaleOnHand = errors.New("repo: on-hand changed concurrently")

// VariantsTenantRepo manages variant stock levels for the store in context.
type VariantsTenantRepo struct {
	Pool *pgxpool.Pool
}

// UpsertVariant creates or replaces the variant row.
func (r VariantsTenantRepo) UpsertVariant(ctx context.Context, v ledger.Variant) error {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, `
		INSERT INTO variants (id, store_id, track_inventory, allow_backorder, on_hand)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (store_id, id) DO UPDATE
		SET track_inventory = EXCLUDED.track_inventory,
		    allow_backorder = EXCLUDED.allow_backorder,
		    on_hand = EXCLUDED.on_hand`,
		pgUUID(v.ID), storeID, v.TrackInventory, v.AllowBackorder, v.OnHand)
	return err
}

// AdjustOnHand applies a delta to the variant's on-hand count guarded by the
// expected current value. A mismatch returns ErrStaleOnHand so the caller can
// re-read and retry.
func (r VariantsTenantRepo) AdjustOnHand(ctx context.Context, variantID uuid.UUID, expected, delta int64) (int64, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return 0, err
	}
	var onHand int64
	err = r.Pool.QueryRow(ctx, `
		UPDATE variants SET on_hand = on_hand + $4
		WHERE store_id = $1 AND id = $2 AND on_hand = $3
		RETURNING on_hand`,
		storeID, pgUUID(variantID), expected, delta).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if probe := r.Pool.QueryRow(ctx, `
			SELECT TRUE FROM variants WHERE store_id = $1 AND id = $2`,
			storeID, pgUUID(variantID)).Scan(&exists); errors.Is(probe, pgx.ErrNoRows) {
			return 0, ledger.ErrNotFound
		} else if probe != nil {
			return 0, probe
		}
		return 0, ErrStaleOnHand
	}
	if err != nil {
		return 0, err
	}
	return onHand, nil
}

// LowStockVariant pairs a variant with its currently available quantity.
type LowStockVariant struct {
	Variant   ledger.Variant
	Available int64
}

// ListLowStock returns tracked variants whose available quantity, net of
// active reservations, is at or below the threshold.
func (r VariantsTenantRepo) ListLowStock(ctx context.Context, threshold int64, limit int) ([]LowStockVariant, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT v.id, v.track_inventory, v.allow_backorder, v.on_hand,
		       v.on_hand - COALESCE(res.reserved, 0) AS available
		FROM variants v
		LEFT JOIN (
			SELECT variant_id, SUM(qty) AS reserved
			FROM reservations
			WHERE store_id = $1 AND status = 'reserved'
			  AND (expires_at IS NULL OR expires_at > now())
			GROUP BY variant_id
		) res ON res.variant_id = v.id
		WHERE v.store_id = $1 AND v.track_inventory
		  AND v.on_hand - COALESCE(res.reserved, 0) <= $2
		ORDER BY available
		LIMIT $3`, storeID, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LowStockVariant
	for rows.Next() {
		var (
			id        pgtype.UUID
			track     bool
			backorder bool
			onHand    int64
			available int64
		)
		if err := rows.Scan(&id, &track, &backorder, &onHand, &available); err != nil {
			return nil, err
		}
		out = append(out, LowStockVariant{
			Variant: ledger.Variant{
				ID:             fromPGUUID(id),
				TrackInventory: track,
				AllowBackorder: backorder,
				OnHand:         onHand,
			},
			Available: available,
		})
	}
	return out, rows.Err()
}
