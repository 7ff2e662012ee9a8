// Package postgres implements shop.Store on pgx. Claims take row locks
// with FOR UPDATE SKIP LOCKED so concurrent buyers racing for the same
// product neither block each other nor claim overlapping unit sets, and
// every multi-step mutation runs inside one transaction.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akunstore/go-stock-engine/internal/shop"
)

type Store struct{ DB *pgxpool.Pool }

var _ shop.Store = (*Store)(nil)

// ---- stock ledger ----

func (s *Store) AddUnits(ctx context.Context, productID string, payloads []string) ([]string, error) {
	if len(payloads) == 0 {
		return nil, shop.ErrInvalidQuantity
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_units(id, product_id, payload, state)
			VALUES ($1, $2, $3, 'AVAILABLE')`, id, productID, payload); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) RemoveUnit(ctx context.Context, unitID string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM stock_units WHERE id=$1 AND state='AVAILABLE'`, unitID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var state string
	err = s.DB.QueryRow(ctx, `SELECT state FROM stock_units WHERE id=$1`, unitID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return shop.ErrNotFound
	}
	if err != nil {
		return err
	}
	return shop.ErrUnitConflict
}

func (s *Store) AvailableCount(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM stock_units
		WHERE product_id=$1 AND state='AVAILABLE'`, productID).Scan(&n)
	return n, err
}

// claimTx binds qty available units to reservationID inside tx. SKIP
// LOCKED keeps concurrent claimers off each other's rows; a shortfall
// means the product genuinely has too few free units right now.
func claimTx(ctx context.Context, tx pgx.Tx, productID string, qty int, reservationID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		WITH picked AS (
			SELECT id FROM stock_units
			WHERE product_id=$1 AND state='AVAILABLE'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE stock_units su
		SET state='RESERVED', reservation_id=$3
		FROM picked WHERE su.id = picked.id
		RETURNING su.id`, productID, qty, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) < qty {
		return nil, shop.ErrInsufficientStock // rollback drops the partial claim
	}
	return ids, nil
}

func (s *Store) ReserveUnits(ctx context.Context, productID string, qty int, reservationID string) error {
	if qty <= 0 {
		return shop.ErrInvalidQuantity
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := claimTx(ctx, tx, productID, qty, reservationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReleaseUnits(ctx context.Context, reservationID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE stock_units SET state='AVAILABLE', reservation_id=NULL
		WHERE reservation_id=$1 AND state='RESERVED'`, reservationID)
	return err
}

func (s *Store) CommitUnits(ctx context.Context, reservationID, userID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := commitUnitsTx(ctx, tx, reservationID, userID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func commitUnitsTx(ctx context.Context, tx pgx.Tx, reservationID, userID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE stock_units SET state='SOLD', sold_to_user_id=$2, sold_at=$3
		WHERE reservation_id=$1 AND state='RESERVED'`, reservationID, userID, at); err != nil {
		return err
	}
	var bound, sold int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state='SOLD' AND sold_to_user_id=$2)
		FROM stock_units WHERE reservation_id=$1`, reservationID, userID).Scan(&bound, &sold)
	if err != nil {
		return err
	}
	if bound == 0 {
		return shop.ErrUnitConflict
	}
	if sold != bound {
		return shop.ErrUnitConflict
	}
	return nil
}

// ---- reservations ----

func (s *Store) CreateReservation(ctx context.Context, res *shop.Reservation) error {
	if res == nil || res.ID == "" || res.UserID == "" || res.ProductID == "" || res.Quantity <= 0 {
		return shop.ErrInvalidQuantity
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids, err := claimTx(ctx, tx, res.ProductID, res.Quantity, res.ID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(id, user_id, product_id, quantity, price_cents, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		res.ID, res.UserID, res.ProductID, res.Quantity, res.PriceCents, res.CreatedAt, res.ExpiresAt); err != nil {
		// uq_reservations_user_product: a concurrent add for the same
		// (user, product) won; the caller merges into that hold instead
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shop.ErrConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	res.UnitIDs = ids
	return nil
}

func (s *Store) GrowReservation(ctx context.Context, reservationID string, add int, expiresAt time.Time) error {
	if add < 0 {
		return shop.ErrInvalidQuantity
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var productID string
	err = tx.QueryRow(ctx, `
		SELECT product_id FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return shop.ErrNotFound
	}
	if err != nil {
		return err
	}

	if add > 0 {
		if _, err := claimTx(ctx, tx, productID, add, reservationID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET quantity = quantity + $2, expires_at = $3
		WHERE id=$1`, reservationID, add, expiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ShrinkReservation(ctx context.Context, reservationID string, remove int, expiresAt time.Time) error {
	if remove < 0 {
		return shop.ErrInvalidQuantity
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var quantity int
	err = tx.QueryRow(ctx, `
		SELECT quantity FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return shop.ErrNotFound
	}
	if err != nil {
		return err
	}
	if remove >= quantity && remove != 0 {
		return shop.ErrInvalidQuantity
	}

	if remove > 0 {
		ct, err := tx.Exec(ctx, `
			WITH picked AS (
				SELECT id FROM stock_units
				WHERE reservation_id=$1 AND state='RESERVED'
				ORDER BY created_at DESC
				LIMIT $2
				FOR UPDATE
			)
			UPDATE stock_units su
			SET state='AVAILABLE', reservation_id=NULL
			FROM picked WHERE su.id = picked.id`, reservationID, remove)
		if err != nil {
			return err
		}
		if int(ct.RowsAffected()) != remove {
			return shop.ErrConflict
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET quantity = quantity - $2, expires_at = $3
		WHERE id=$1`, reservationID, remove, expiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Take the hold's row lock first, same order as Checkout, so a sweep
	// racing a checkout serializes instead of deadlocking.
	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // already consumed or reclaimed
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stock_units SET state='AVAILABLE', reservation_id=NULL
		WHERE reservation_id=$1 AND state='RESERVED'`, reservationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, reservationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Reservation(ctx context.Context, reservationID string) (*shop.Reservation, error) {
	res := &shop.Reservation{}
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, product_id, quantity, price_cents, created_at, expires_at
		FROM reservations WHERE id=$1`, reservationID).
		Scan(&res.ID, &res.UserID, &res.ProductID, &res.Quantity, &res.PriceCents, &res.CreatedAt, &res.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.fillUnitIDs(ctx, []*shop.Reservation{res}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) UserReservations(ctx context.Context, userID string) ([]*shop.Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, product_id, quantity, price_cents, created_at, expires_at
		FROM reservations WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	if err := s.fillUnitIDs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]*shop.Reservation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, product_id, quantity, price_cents, created_at, expires_at
		FROM reservations WHERE expires_at < $1 ORDER BY expires_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]*shop.Reservation, error) {
	var out []*shop.Reservation
	for rows.Next() {
		res := &shop.Reservation{}
		if err := rows.Scan(&res.ID, &res.UserID, &res.ProductID, &res.Quantity,
			&res.PriceCents, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Store) fillUnitIDs(ctx context.Context, resList []*shop.Reservation) error {
	if len(resList) == 0 {
		return nil
	}
	ids := make([]string, 0, len(resList))
	byID := make(map[string]*shop.Reservation, len(resList))
	for _, res := range resList {
		ids = append(ids, res.ID)
		byID[res.ID] = res
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, reservation_id FROM stock_units
		WHERE reservation_id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var unitID, resID string
		if err := rows.Scan(&unitID, &resID); err != nil {
			return err
		}
		if res := byID[resID]; res != nil {
			res.UnitIDs = append(res.UnitIDs, unitID)
		}
	}
	return rows.Err()
}

// ---- credit ledger ----

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.DB.QueryRow(ctx, `
		SELECT balance_cents FROM credit_accounts WHERE user_id=$1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *Store) Credit(ctx context.Context, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return shop.ErrInvalidQuantity
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO credit_accounts(user_id, balance_cents, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET balance_cents = credit_accounts.balance_cents + EXCLUDED.balance_cents,
		    updated_at = now()`, userID, amountCents)
	return err
}

func (s *Store) Debit(ctx context.Context, userID string, amountCents int64) error {
	if amountCents <= 0 {
		return shop.ErrInvalidQuantity
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE credit_accounts
		SET balance_cents = balance_cents - $2, updated_at = now()
		WHERE user_id=$1 AND balance_cents >= $2`, userID, amountCents)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return shop.ErrInsufficientCredit
	}
	return nil
}

// ---- checkout & orders ----

func (s *Store) Checkout(ctx context.Context, userID string, reservationIDs []string, now time.Time) (*shop.Order, error) {
	if len(reservationIDs) == 0 {
		return nil, shop.ErrEmptyCart
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the holds first; a concurrent checkout or sweep for the same
	// ids serializes here.
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, product_id, quantity, price_cents, created_at, expires_at
		FROM reservations WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, reservationIDs)
	if err != nil {
		return nil, err
	}
	resList, err := scanReservations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(resList) != len(reservationIDs) {
		return nil, shop.ErrConflict // somebody consumed or reclaimed one already
	}

	var total int64
	for _, res := range resList {
		if res.UserID != userID {
			return nil, shop.ErrConflict
		}
		if res.Expired(now) {
			return nil, shop.ErrReservationExpired
		}
		total += res.TotalCents()
	}

	ct, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance_cents = balance_cents - $2, updated_at = $3
		WHERE user_id=$1 AND balance_cents >= $2`, userID, total, now)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, shop.ErrInsufficientCredit
	}

	order := &shop.Order{ID: uuid.NewString(), UserID: userID, TotalCents: total, CreatedAt: now}
	if _, err := tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, total_cents, created_at)
		VALUES ($1,$2,$3,$4)`, order.ID, order.UserID, order.TotalCents, order.CreatedAt); err != nil {
		return nil, err
	}

	for _, res := range resList {
		unitRows, err := tx.Query(ctx, `
			UPDATE stock_units SET state='SOLD', sold_to_user_id=$2, sold_at=$3
			WHERE reservation_id=$1 AND state='RESERVED'
			RETURNING id, payload`, res.ID, userID, now)
		if err != nil {
			return nil, err
		}
		type soldUnit struct{ id, payload string }
		var units []soldUnit
		for unitRows.Next() {
			var u soldUnit
			if err := unitRows.Scan(&u.id, &u.payload); err != nil {
				unitRows.Close()
				return nil, err
			}
			units = append(units, u)
		}
		err = unitRows.Err()
		unitRows.Close()
		if err != nil {
			return nil, err
		}
		if len(units) != res.Quantity {
			return nil, shop.ErrConflict // binding changed under us, roll everything back
		}
		for _, u := range units {
			line := shop.OrderLine{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				UnitID:     u.id,
				ProductID:  res.ProductID,
				PriceCents: res.PriceCents,
				Payload:    u.payload,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_lines(id, order_id, unit_id, product_id, price_cents)
				VALUES ($1,$2,$3,$4,$5)`,
				line.ID, line.OrderID, line.UnitID, line.ProductID, line.PriceCents); err != nil {
				return nil, err
			}
			order.Lines = append(order.Lines, line)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE id = ANY($1)`, reservationIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) Order(ctx context.Context, orderID string) (*shop.Order, error) {
	order := &shop.Order{}
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, total_cents, created_at, delivered_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&order.ID, &order.UserID, &order.TotalCents, &order.CreatedAt, &order.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shop.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT ol.id, ol.order_id, ol.unit_id, ol.product_id, ol.price_cents, su.payload
		FROM order_lines ol
		JOIN stock_units su ON su.id = ol.unit_id
		WHERE ol.order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line shop.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.UnitID, &line.ProductID,
			&line.PriceCents, &line.Payload); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) MarkDelivered(ctx context.Context, orderID string, at time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET delivered_at=$2
		WHERE id=$1 AND delivered_at IS NULL`, orderID, at)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, shop.ErrNotFound
	}
	return false, nil
}
