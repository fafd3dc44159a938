package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgx used by PgStore. Both *pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the Postgres backed reservation store.
type PgStore struct {
	DB DBTX
}

const selectColumns = `id::text, entry_id, payment_id, status, amount, currency, created_at, updated_at`

// Create implements Store.
func (s PgStore) Create(ctx context.Context, r Reservation) (Reservation, error) {
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	row := s.DB.QueryRow(ctx, `INSERT INTO reservations (id, entry_id, payment_id, status, amount, currency)
VALUES ($1::uuid, $2, $3, $4, $5, $6)
RETURNING `+selectColumns,
		r.ID, r.EntryID, nullText(r.PaymentID), string(r.Status), r.Amount, r.Currency)
	return scanReservation(row)
}

// FindByID implements Store.
func (s PgStore) FindByID(ctx context.Context, id string) (Reservation, error) {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return Reservation{}, ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM reservations WHERE id = $1::uuid`, strings.TrimSpace(id))
	return scanReservation(row)
}

// FindByPaymentID implements Store.
func (s PgStore) FindByPaymentID(ctx context.Context, paymentID string) (Reservation, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Reservation{}, ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `SELECT `+selectColumns+` FROM reservations WHERE payment_id = $1`, paymentID)
	return scanReservation(row)
}

// Save implements Store.
func (s PgStore) Save(ctx context.Context, r Reservation) error {
	tag, err := s.DB.Exec(ctx, `UPDATE reservations
SET entry_id = $2, payment_id = $3, status = $4, amount = $5, currency = $6, updated_at = now()
WHERE id = $1::uuid`,
		r.ID, r.EntryID, nullText(r.PaymentID), string(r.Status), r.Amount, r.Currency)
	if err != nil {
		return fmt.Errorf("reservation: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachPayment implements Store. The update only applies while the
// reservation is PENDING and still carries prevPaymentID.
func (s PgStore) AttachPayment(ctx context.Context, id, prevPaymentID, paymentID string) (Reservation, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return Reservation{}, ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `UPDATE reservations SET payment_id = $3, updated_at = now()
WHERE id = $1::uuid AND status = 'PENDING' AND COALESCE(payment_id, '') = $2
RETURNING `+selectColumns, id, strings.TrimSpace(prevPaymentID), nullText(paymentID))
	updated, err := scanReservation(row)
	if !errors.Is(err, ErrNotFound) {
		return updated, err
	}
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	return current, ErrPaymentConflict
}

// Transition implements Store with a single conditional UPDATE so concurrent
// callers observing the same source status cannot both succeed.
func (s PgStore) Transition(ctx context.Context, id string, from, to Status) (Reservation, bool, error) {
	if !CanTransition(from, to) {
		return Reservation{}, false, ErrInvalidTransition
	}
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return Reservation{}, false, ErrNotFound
	}
	row := s.DB.QueryRow(ctx, `UPDATE reservations SET status = $3, updated_at = now()
WHERE id = $1::uuid AND status = $2
RETURNING `+selectColumns, id, string(from), string(to))
	updated, err := scanReservation(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Reservation{}, false, err
	}
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return Reservation{}, false, err
	}
	return current, false, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r         Reservation
		paymentID pgtype.Text
		status    string
		created   pgtype.Timestamptz
		updated   pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.EntryID, &paymentID, &status, &r.Amount, &r.Currency, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: scan: %w", err)
	}
	if paymentID.Valid {
		r.PaymentID = paymentID.String
	}
	parsed, ok := ParseStatus(status)
	if !ok {
		return Reservation{}, fmt.Errorf("reservation: unknown status %q", status)
	}
	r.Status = parsed
	r.CreatedAt = created.Time
	r.UpdatedAt = updated.Time
	return r, nil
}

func nullText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	return pgtype.Text{String: trimmed, Valid: trimmed != ""}
}
