package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/resrv-payments/internal/reservation"
)

// rowStub returns either err or the columns of res in selectColumns order.
type rowStub struct {
	res reservation.Reservation
	err error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 8 {
		return fmt.Errorf("unexpected column count %d", len(dest))
	}
	*dest[0].(*string) = r.res.ID
	*dest[1].(*string) = r.res.EntryID
	*dest[2].(*pgtype.Text) = pgtype.Text{String: r.res.PaymentID, Valid: r.res.PaymentID != ""}
	*dest[3].(*string) = string(r.res.Status)
	*dest[4].(*int64) = r.res.Amount
	*dest[5].(*string) = r.res.Currency
	*dest[6].(*pgtype.Timestamptz) = pgtype.Timestamptz{Time: r.res.CreatedAt, Valid: true}
	*dest[7].(*pgtype.Timestamptz) = pgtype.Timestamptz{Time: r.res.UpdatedAt, Valid: true}
	return nil
}

type dbStub struct {
	rows    []rowStub
	queries []string
	args    [][]any
}

func (d *dbStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (d *dbStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.queries = append(d.queries, sql)
	d.args = append(d.args, args)
	if len(d.rows) == 0 {
		return rowStub{err: errors.New("unexpected query")}
	}
	row := d.rows[0]
	d.rows = d.rows[1:]
	return row
}

const pgReservationID = "7d3f0c1e-6f43-4a53-9a55-2b1f6b0d8c11"

func pgReservation(status reservation.Status, paymentID string) reservation.Reservation {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return reservation.Reservation{
		ID:        pgReservationID,
		EntryID:   "entry-1",
		PaymentID: paymentID,
		Status:    status,
		Amount:    4500,
		Currency:  "EUR",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPgStoreTransitionChanged(t *testing.T) {
	db := &dbStub{rows: []rowStub{{res: pgReservation(reservation.StatusConfirmed, "tr_1")}}}
	store := reservation.PgStore{DB: db}

	updated, changed, err := store.Transition(context.Background(), " "+pgReservationID+" ", reservation.StatusPending, reservation.StatusConfirmed)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, reservation.StatusConfirmed, updated.Status)
	require.Equal(t, "tr_1", updated.PaymentID)

	require.Len(t, db.queries, 1)
	require.Contains(t, db.queries[0], "WHERE id = $1::uuid AND status = $2")
	require.Equal(t, []any{pgReservationID, "PENDING", "CONFIRMED"}, db.args[0])
}

func TestPgStoreTransitionLostRaceReturnsCurrent(t *testing.T) {
	db := &dbStub{rows: []rowStub{
		{err: pgx.ErrNoRows},
		{res: pgReservation(reservation.StatusCancelled, "tr_1")},
	}}
	store := reservation.PgStore{DB: db}

	current, changed, err := store.Transition(context.Background(), pgReservationID, reservation.StatusPending, reservation.StatusConfirmed)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, reservation.StatusCancelled, current.Status)
	require.Len(t, db.queries, 2)
	require.True(t, strings.HasPrefix(db.queries[1], "SELECT "))
}

func TestPgStoreTransitionNotFound(t *testing.T) {
	db := &dbStub{rows: []rowStub{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}}}
	store := reservation.PgStore{DB: db}

	_, changed, err := store.Transition(context.Background(), pgReservationID, reservation.StatusPending, reservation.StatusConfirmed)
	require.ErrorIs(t, err, reservation.ErrNotFound)
	require.False(t, changed)
}

func TestPgStoreTransitionSkipsQueryForMalformedID(t *testing.T) {
	db := &dbStub{}
	store := reservation.PgStore{DB: db}

	_, _, err := store.Transition(context.Background(), "R1", reservation.StatusPending, reservation.StatusConfirmed)
	require.ErrorIs(t, err, reservation.ErrNotFound)
	require.Empty(t, db.queries)

	_, _, err = store.Transition(context.Background(), pgReservationID, reservation.StatusConfirmed, reservation.StatusCancelled)
	require.ErrorIs(t, err, reservation.ErrInvalidTransition)
	require.Empty(t, db.queries)
}

func TestPgStoreTransitionWrapsDriverErrors(t *testing.T) {
	boom := errors.New("connection reset")
	db := &dbStub{rows: []rowStub{{err: boom}}}
	store := reservation.PgStore{DB: db}

	_, _, err := store.Transition(context.Background(), pgReservationID, reservation.StatusPending, reservation.StatusConfirmed)
	require.ErrorIs(t, err, boom)
	require.Len(t, db.queries, 1)
}

func TestPgStoreAttachPaymentConditional(t *testing.T) {
	db := &dbStub{rows: []rowStub{{res: pgReservation(reservation.StatusPending, "tr_2")}}}
	store := reservation.PgStore{DB: db}

	updated, err := store.AttachPayment(context.Background(), pgReservationID, "tr_1", "tr_2")
	require.NoError(t, err)
	require.Equal(t, "tr_2", updated.PaymentID)
	require.Contains(t, db.queries[0], "status = 'PENDING' AND COALESCE(payment_id, '') = $2")
	require.Equal(t, pgReservationID, db.args[0][0])
	require.Equal(t, "tr_1", db.args[0][1])
	require.Equal(t, pgtype.Text{String: "tr_2", Valid: true}, db.args[0][2])
}

func TestPgStoreAttachPaymentConflict(t *testing.T) {
	db := &dbStub{rows: []rowStub{
		{err: pgx.ErrNoRows},
		{res: pgReservation(reservation.StatusConfirmed, "tr_paid")},
	}}
	store := reservation.PgStore{DB: db}

	current, err := store.AttachPayment(context.Background(), pgReservationID, "tr_paid", "tr_new")
	require.ErrorIs(t, err, reservation.ErrPaymentConflict)
	require.Equal(t, "tr_paid", current.PaymentID)
	require.Equal(t, reservation.StatusConfirmed, current.Status)
}

func TestPgStoreAttachPaymentNotFound(t *testing.T) {
	db := &dbStub{rows: []rowStub{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}}}
	store := reservation.PgStore{DB: db}

	_, err := store.AttachPayment(context.Background(), pgReservationID, "", "tr_1")
	require.ErrorIs(t, err, reservation.ErrNotFound)

	_, err = store.AttachPayment(context.Background(), "not-a-uuid", "", "tr_1")
	require.ErrorIs(t, err, reservation.ErrNotFound)
	require.Len(t, db.queries, 2)
}
