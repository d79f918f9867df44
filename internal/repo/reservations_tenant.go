package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/commerce-core/internal/ledger"
)

// ReservationsTenantRepo implements ledger.Store over Postgres. Every
// availability check runs inside a transaction that locks the variant row,
// so concurrent reservations for the same variant serialize on the row lock.
type ReservationsTenantRepo struct {
	Pool *pgxpool.Pool
}

const activeReservationFilter = `status = 'reserved' AND (expires_at IS NULL OR expires_at > $4)`

// GetVariant retrieves a variant scoped to the store in context.
func (r ReservationsTenantRepo) GetVariant(ctx context.Context, variantID uuid.UUID) (ledger.Variant, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return ledger.Variant{}, err
	}
	var (
		id             pgtype.UUID
		trackInventory bool
		allowBackorder bool
		onHand         int64
	)
	err = r.Pool.QueryRow(ctx, `
		SELECT id, track_inventory, allow_backorder, on_hand
		FROM variants
		WHERE store_id = $1 AND id = $2`, storeID, pgUUID(variantID)).
		Scan(&id, &trackInventory, &allowBackorder, &onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Variant{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Variant{}, err
	}
	return ledger.Variant{
		ID:             fromPGUUID(id),
		TrackInventory: trackInventory,
		AllowBackorder: allowBackorder,
		OnHand:         onHand,
	}, nil
}

// CreateReservation inserts the reservation after checking availability
// under the variant's row lock.
func (r ReservationsTenantRepo) CreateReservation(ctx context.Context, res ledger.Reservation, enforce bool) (int64, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var onHand int64
	err = tx.QueryRow(ctx, `
		SELECT on_hand FROM variants
		WHERE store_id = $1 AND id = $2
		FOR UPDATE`, res.StoreID, pgUUID(res.VariantID)).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var reserved int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM reservations
		WHERE store_id = $1 AND variant_id = $2
		  AND location_id IS NOT DISTINCT FROM $3
		  AND `+activeReservationFilter,
		res.StoreID, pgUUID(res.VariantID), pgUUIDPtr(res.LocationID), res.CreatedAt).Scan(&reserved)
	if err != nil {
		return 0, err
	}

	available := onHand - reserved
	if enforce && available < res.Qty {
		return available, ledger.ErrInsufficientStock
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, store_id, variant_id, location_id, line_ref, kind, qty, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pgUUID(res.ID), res.StoreID, pgUUID(res.VariantID), pgUUIDPtr(res.LocationID),
		res.LineRef, string(res.Kind), res.Qty, string(res.Status), res.CreatedAt, res.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return available, ledger.ErrConflict
		}
		return available, err
	}
	if err := tx.Commit(ctx); err != nil {
		return available, err
	}
	return available, nil
}

// GetReservation retrieves a reservation by id.
func (r ReservationsTenantRepo) GetReservation(ctx context.Context, id uuid.UUID) (ledger.Reservation, error) {
	return scanReservation(r.Pool.QueryRow(ctx, `
		SELECT id, store_id, variant_id, location_id, line_ref, kind, qty, status, created_at, expires_at
		FROM reservations
		WHERE id = $1`, pgUUID(id)))
}

// ReleaseReservation marks the reservation released. Releasing a released
// row reports no change; releasing a committed row is an invalid transition.
func (r ReservationsTenantRepo) ReleaseReservation(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE reservations SET status = 'released'
		WHERE id = $1 AND status = 'reserved'`, pgUUID(id))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var status string
	err = r.Pool.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, pgUUID(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ledger.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if status == string(ledger.StatusCommitted) {
		return false, ledger.ErrInvalidTransition
	}
	return false, nil
}

// CommitReservation converts a reserved order-kind row into an on-hand
// decrement in one transaction.
func (r ReservationsTenantRepo) CommitReservation(ctx context.Context, id uuid.UUID, now time.Time) (ledger.Reservation, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Reservation{}, err
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx, `
		SELECT id, store_id, variant_id, location_id, line_ref, kind, qty, status, created_at, expires_at
		FROM reservations
		WHERE id = $1
		FOR UPDATE`, pgUUID(id)))
	if err != nil {
		return ledger.Reservation{}, err
	}
	if res.Kind != ledger.KindOrder || !res.ActiveAt(now) {
		return ledger.Reservation{}, ledger.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status = 'committed' WHERE id = $1`, pgUUID(id)); err != nil {
		return ledger.Reservation{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE variants SET on_hand = on_hand - $3
		WHERE store_id = $1 AND id = $2`, res.StoreID, pgUUID(res.VariantID), res.Qty); err != nil {
		return ledger.Reservation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Reservation{}, err
	}
	res.Status = ledger.StatusCommitted
	return res, nil
}

// SweepExpired rewrites up to limit expired reservations to released and
// returns them.
func (r ReservationsTenantRepo) SweepExpired(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	rows, err := r.Pool.Query(ctx, `
		UPDATE reservations SET status = 'released'
		WHERE id IN (
			SELECT id FROM reservations
			WHERE status = 'reserved' AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, store_id, variant_id, location_id, line_ref, kind, qty, status, created_at, expires_at`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// AvailableQuantity returns on-hand minus active reservations for the key.
func (r ReservationsTenantRepo) AvailableQuantity(ctx context.Context, variantID uuid.UUID, locationID *uuid.UUID, now time.Time) (int64, error) {
	storeID, err := storeFromContext(ctx)
	if err != nil {
		return 0, err
	}
	var available int64
	err = r.Pool.QueryRow(ctx, `
		SELECT v.on_hand - COALESCE((
			SELECT SUM(qty) FROM reservations
			WHERE store_id = $1 AND variant_id = $2
			  AND location_id IS NOT DISTINCT FROM $3
			  AND `+activeReservationFilter+`
		), 0)
		FROM variants v
		WHERE v.store_id = $1 AND v.id = $2`,
		storeID, pgUUID(variantID), pgUUIDPtr(locationID), now).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	return available, err
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		id         pgtype.UUID
		storeID    string
		variantID  pgtype.UUID
		locationID pgtype.UUID
		lineRef    string
		kind       string
		qty        int64
		status     string
		createdAt  time.Time
		expiresAt  *time.Time
	)
	err := row.Scan(&id, &storeID, &variantID, &locationID, &lineRef, &kind, &qty, &status, &createdAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reservation{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		ID:         fromPGUUID(id),
		StoreID:    storeID,
		VariantID:  fromPGUUID(variantID),
		LocationID: fromPGUUIDPtr(locationID),
		LineRef:    lineRef,
		Kind:       ledger.Kind(kind),
		Qty:        qty,
		Status:     ledger.Status(status),
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}, nil
}
