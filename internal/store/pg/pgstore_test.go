package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"helpmesh.org/internal/match"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func userRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "phone", "created_at", "level",
		"is_activated", "is_blocked", "is_on_hold", "is_receiving_held", "payment_blocked",
		"help_visibility", "active_receive_count", "upgrade_required", "sponsor_payment_pending",
		"receive_override", "referral_count", "last_receive_assigned_at",
	})
}

func assignmentRow(id string, status match.Status, seq uint64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "status", "sequence",
		"sender_id", "sender_name", "sender_phone", "sender_level",
		"receiver_id", "receiver_name", "receiver_phone", "receiver_level",
		"amount", "created_at", "updated_at", "assigned_at",
		"payment_requested_at", "payment_done_at", "confirmed_at", "confirmed_by_receiver",
		"next_timeout_at", "timeout_reason", "cancel_reason", "cancelled_by", "slot_released",
		"utr", "payment_method", "screenshot_path", "screenshot_size",
		"disputed", "disputed_at", "dispute_reason", "idempotency_key",
	}).AddRow(
		id, string(status), seq,
		"sender-1", "Alice", "+100", "Star",
		"receiver-1", "Bob", "+200", "Star",
		int64(300), now, now, now,
		nil, nil, nil, false,
		nil, "", "", "", false,
		"", "", "", int64(0),
		false, nil, "", "",
	)
}

func TestGetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from users where id=\\$1").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserMapsNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	assignedAt := time.Now().UTC()
	rows := userRow().AddRow(
		"user-1", "Alice", "+100", time.Now().UTC(), "2",
		true, false, false, false, false,
		false, 2, false, false,
		true, 7, assignedAt,
	)
	mock.ExpectQuery("from users where id=\\$1").WithArgs("user-1").WillReturnRows(rows)

	u, err := store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.NormalizedLevel() != match.LevelSilver {
		t.Fatalf("level = %s, want Silver", u.NormalizedLevel())
	}
	if u.HelpVisibility == nil || *u.HelpVisibility {
		t.Fatalf("help visibility not mapped: %v", u.HelpVisibility)
	}
	if u.LastReceiveAssignedAt == nil || !u.LastReceiveAssignedAt.Equal(assignedAt) {
		t.Fatalf("last assigned at not mapped: %v", u.LastReceiveAssignedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateUser(context.Background(), match.User{ID: "user-1"})
	if !errors.Is(err, match.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignIdempotentReplay(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select help_id from help_idempotency").
		WithArgs("sender-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"help_id"}).AddRow("A1"))
	mock.ExpectQuery("from send_help where id=\\$1").
		WithArgs("A1").
		WillReturnRows(assignmentRow("A1", match.StatusAssigned, 5))
	mock.ExpectCommit()

	a, err := store.Assign(context.Background(), "sender-1", "key-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.ID != "A1" || a.Sequence != 5 {
		t.Fatalf("unexpected replay: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignSenderAlreadyActive(t *testing.T) {
	store, mock := newMockStore(t)
	sender := userRow().AddRow(
		"sender-1", "Alice", "+100", time.Now().UTC(), "Star",
		true, false, false, false, false,
		nil, 0, false, false,
		false, 0, nil,
	)
	mock.ExpectBegin()
	mock.ExpectQuery("from users where id=\\$1 for update").WithArgs("sender-1").WillReturnRows(sender)
	mock.ExpectQuery("select 1 from send_help").
		WithArgs("sender-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.Assign(context.Background(), "sender-1", "")
	if !errors.Is(err, match.ErrSenderAlreadyActive) {
		t.Fatalf("expected ErrSenderAlreadyActive, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignBlockedSender(t *testing.T) {
	store, mock := newMockStore(t)
	sender := userRow().AddRow(
		"sender-1", "Alice", "+100", time.Now().UTC(), "Star",
		true, true, false, false, false,
		nil, 0, false, false,
		false, 0, nil,
	)
	mock.ExpectBegin()
	mock.ExpectQuery("from users where id=\\$1 for update").WithArgs("sender-1").WillReturnRows(sender)
	mock.ExpectRollback()

	_, err := store.Assign(context.Background(), "sender-1", "")
	if !errors.Is(err, match.ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignScansCandidatesAtSenderLevel(t *testing.T) {
	store, mock := newMockStore(t)
	sender := userRow().AddRow(
		"sender-1", "Alice", "+100", time.Now().UTC(), "Star",
		true, false, false, false, false,
		nil, 0, false, false,
		false, 0, nil,
	)
	// The level column stores legacy numeric codes too; "1" is Star.
	candidate := userRow().AddRow(
		"receiver-9", "Bob", "+200", time.Now().UTC(), "1",
		true, false, false, false, false,
		nil, 0, false, false,
		false, 3, nil,
	)
	locked := userRow().AddRow(
		"receiver-9", "Bob", "+200", time.Now().UTC(), "1",
		true, false, false, false, false,
		nil, 0, false, false,
		false, 3, nil,
	)

	mock.ExpectBegin()
	mock.ExpectQuery("select help_id from help_idempotency").
		WithArgs("sender-1", "key-9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("from users where id=\\$1 for update").
		WithArgs("sender-1").
		WillReturnRows(sender)
	mock.ExpectQuery("select 1 from send_help").
		WithArgs("sender-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// The candidate scan must restrict by tier in SQL, not after the limit.
	mock.ExpectQuery("level in \\('Star','1',''\\)").
		WithArgs(25).
		WillReturnRows(candidate)
	mock.ExpectQuery("from users where id=\\$1 for update").
		WithArgs("receiver-9").
		WillReturnRows(locked)
	mock.ExpectExec("active_receive_count = active_receive_count \\+ 1").
		WithArgs("receiver-9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("nextval\\('help_seq'\\)").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(uint64(42)))
	mock.ExpectExec("insert into send_help").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into receive_help").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into help_idempotency").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := store.Assign(context.Background(), "sender-1", "key-9")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.ReceiverID != "receiver-9" || a.ReceiverLevel != match.LevelStar {
		t.Fatalf("unexpected receiver: %+v", a)
	}
	if a.Sequence != 42 || a.Amount != 300 {
		t.Fatalf("unexpected assignment: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignRetriesSerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("from users where id=\\$1 for update").
			WithArgs("sender-1").
			WillReturnError(&pgconn.PgError{Code: "40001"})
		mock.ExpectRollback()
	}

	_, err := store.Assign(context.Background(), "sender-1", "")
	if !errors.Is(err, match.ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelRejectsStranger(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from send_help where id=\\$1 for update").
		WithArgs("A1").
		WillReturnRows(assignmentRow("A1", match.StatusAssigned, 1))
	mock.ExpectQuery("from receive_help where id=\\$1 for update").
		WithArgs("A1").
		WillReturnRows(assignmentRow("A1", match.StatusAssigned, 1))
	mock.ExpectRollback()

	_, err := store.Cancel(context.Background(), "A1", "stranger", "mistake")
	if !errors.Is(err, match.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPairOutOfSyncDetected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from send_help where id=\\$1 for update").
		WithArgs("A1").
		WillReturnRows(assignmentRow("A1", match.StatusAssigned, 1))
	mock.ExpectQuery("from receive_help where id=\\$1 for update").
		WithArgs("A1").
		WillReturnRows(assignmentRow("A1", match.StatusPaymentRequested, 1))
	mock.ExpectRollback()

	_, err := store.Cancel(context.Background(), "A1", "sender-1", "mistake")
	if !errors.Is(err, match.ErrPairOutOfSync) {
		t.Fatalf("expected ErrPairOutOfSync, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitPaymentRejectsShortUTR(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.SubmitPayment(context.Background(), "A1", "sender-1", match.PaymentProof{UTR: "abc"})
	if !errors.Is(err, match.ErrInvalidUTR) {
		t.Fatalf("expected ErrInvalidUTR, got %v", err)
	}
}

func TestListAssignments(t *testing.T) {
	store, mock := newMockStore(t)
	rows := assignmentRow("A1", match.StatusAssigned, 1)
	now := time.Now().UTC()
	rows.AddRow(
		"A2", "confirmed", uint64(2),
		"sender-2", "Carol", "+300", "Star",
		"receiver-2", "Dave", "+400", "Star",
		int64(300), now, now, now,
		now, now, now, true,
		nil, "", "", "", true,
		"UTR123456", "upi", "", int64(0),
		false, nil, "", "key-2",
	)
	mock.ExpectQuery("where sequence > \\$1").WithArgs(uint64(0), 100).WillReturnRows(rows)

	res, last, err := store.ListAssignments(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	if len(res) != 2 || last != 2 {
		t.Fatalf("got %d assignments, last=%d", len(res), last)
	}
	if res[1].Status != match.StatusConfirmed || res[1].Payment.UTR != "UTR123456" {
		t.Fatalf("unexpected second assignment: %+v", res[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
