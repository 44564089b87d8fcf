package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"helpmesh.org/internal/ids"
	"helpmesh.org/internal/match"
)

// Store implements match.Service on PostgreSQL. The mirrored sender and
// receiver views live in the send_help and receive_help tables; every
// mutation touches both inside one serializable transaction.
type Store struct {
	db *sql.DB
}

var _ match.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const (
	serializationFailure = "40001"
	uniqueViolation      = "23505"
	maxTxAttempts        = 3
	candidateBatchSize   = 25
)

const userColumns = `id, name, phone, created_at, level,
	is_activated, is_blocked, is_on_hold, is_receiving_held, payment_blocked,
	help_visibility, active_receive_count, upgrade_required, sponsor_payment_pending,
	receive_override, referral_count, last_receive_assigned_at`

const assignmentColumns = `id, status, sequence,
	sender_id, sender_name, sender_phone, sender_level,
	receiver_id, receiver_name, receiver_phone, receiver_level,
	amount, created_at, updated_at, assigned_at,
	payment_requested_at, payment_done_at, confirmed_at, confirmed_by_receiver,
	next_timeout_at, timeout_reason, cancel_reason, cancelled_by, slot_released,
	utr, payment_method, screenshot_path, screenshot_size,
	disputed, disputed_at, dispute_reason, coalesce(idempotency_key, '')`

func (s *Store) CreateUser(ctx context.Context, u match.User) (match.User, error) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Level == "" {
		u.Level = string(match.LevelStar)
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		insert into users(id, name, phone, created_at, level,
			is_activated, is_blocked, is_on_hold, is_receiving_held, payment_blocked,
			help_visibility, active_receive_count, upgrade_required, sponsor_payment_pending,
			receive_override, referral_count, last_receive_assigned_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, u.ID, u.Name, u.Phone, u.CreatedAt, u.Level,
		u.IsActivated, u.IsBlocked, u.IsOnHold, u.IsReceivingHeld, u.PaymentBlocked,
		nullBool(u.HelpVisibility), u.ActiveReceiveCount, u.UpgradeRequired, u.SponsorPaymentPending,
		u.ReceiveOverride, u.ReferralCount, nullTime(u.LastReceiveAssignedAt))
	if isSQLState(err, uniqueViolation) {
		return match.User{}, match.ErrUserExists
	}
	if err != nil {
		return match.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (match.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.User{}, match.ErrNotFound
	}
	return u, err
}

func (s *Store) CheckEligibility(ctx context.Context, userID string) (match.EligibilityReport, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return match.EligibilityReport{}, err
	}
	return match.BuildEligibilityReport(u), nil
}

func (s *Store) GrantReceiveOverride(ctx context.Context, userID string) (match.User, error) {
	return s.updateUser(ctx, userID, `update users set receive_override=true where id=$1`)
}

func (s *Store) ForceActivate(ctx context.Context, userID string) (match.User, error) {
	return s.updateUser(ctx, userID, `
		update users
		set is_activated=true, is_blocked=false, is_on_hold=false, is_receiving_held=false
		where id=$1`)
}

func (s *Store) updateUser(ctx context.Context, userID, query string) (match.User, error) {
	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return match.User{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return match.User{}, match.ErrNotFound
	}
	return s.GetUser(ctx, userID)
}

func (s *Store) Assign(ctx context.Context, senderID, idemKey string) (match.Assignment, error) {
	var out match.Assignment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := s.assignTx(ctx, tx, senderID, idemKey)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *Store) assignTx(ctx context.Context, tx *sql.Tx, senderID, idemKey string) (match.Assignment, error) {
	// Idempotency: same sender and key returns the original assignment.
	if idemKey != "" {
		var helpID string
		err := tx.QueryRowContext(ctx, `
			select help_id from help_idempotency where sender_id=$1 and idem_key=$2
		`, senderID, idemKey).Scan(&helpID)
		if err == nil {
			row := tx.QueryRowContext(ctx, `select `+assignmentColumns+` from send_help where id=$1`, helpID)
			return scanAssignment(row)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return match.Assignment{}, err
		}
	}

	row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1 for update`, senderID)
	sender, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Assignment{}, match.ErrSenderNotFound
	}
	if err != nil {
		return match.Assignment{}, err
	}
	if sender.IsBlocked || sender.IsOnHold || sender.PaymentBlocked {
		return match.Assignment{}, match.ErrInvalidSender
	}

	var active bool
	if err := tx.QueryRowContext(ctx, `
		select exists(
			select 1 from send_help
			where sender_id=$1 and status in `+activeStatusSQL+`
		)
	`, senderID).Scan(&active); err != nil {
		return match.Assignment{}, err
	}
	if active {
		return match.Assignment{}, match.ErrSenderAlreadyActive
	}

	senderLevel := sender.NormalizedLevel()
	chosen, scanned, rejections, err := s.pickReceiver(ctx, tx, senderID, senderLevel)
	if err != nil {
		return match.Assignment{}, err
	}
	if chosen == nil {
		return match.Assignment{}, &match.NoEligibleReceiverError{Scanned: scanned, Rejections: rejections}
	}

	now := time.Now().UTC()
	if match.OverrideNeeded(*chosen) {
		if _, err := tx.ExecContext(ctx, `update users set receive_override=false where id=$1`, chosen.ID); err != nil {
			return match.Assignment{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update users
		set active_receive_count = active_receive_count + 1, last_receive_assigned_at = $2
		where id=$1
	`, chosen.ID, now); err != nil {
		return match.Assignment{}, err
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx, `select nextval('help_seq')`).Scan(&seq); err != nil {
		return match.Assignment{}, err
	}

	deadline := now.Add(match.AssignToRequestWindow)
	a := match.Assignment{
		ID:             ids.New(),
		Status:         match.StatusAssigned,
		Sequence:       seq,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderPhone:    sender.Phone,
		SenderLevel:    senderLevel,
		ReceiverID:     chosen.ID,
		ReceiverName:   chosen.Name,
		ReceiverPhone:  chosen.Phone,
		ReceiverLevel:  chosen.NormalizedLevel(),
		Amount:         match.AmountForLevel(senderLevel),
		CreatedAt:      now,
		UpdatedAt:      now,
		AssignedAt:     now,
		NextTimeoutAt:  &deadline,
		IdempotencyKey: idemKey,
	}

	for _, table := range []string{"send_help", "receive_help"} {
		if _, err := tx.ExecContext(ctx, `
			insert into `+table+`(id, status, sequence,
				sender_id, sender_name, sender_phone, sender_level,
				receiver_id, receiver_name, receiver_phone, receiver_level,
				amount, created_at, updated_at, assigned_at, next_timeout_at, idempotency_key)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,nullif($17,''))
		`, a.ID, a.Status, a.Sequence,
			a.SenderID, a.SenderName, a.SenderPhone, a.SenderLevel,
			a.ReceiverID, a.ReceiverName, a.ReceiverPhone, a.ReceiverLevel,
			a.Amount, a.CreatedAt, a.UpdatedAt, a.AssignedAt, deadline, idemKey); err != nil {
			return match.Assignment{}, err
		}
	}
	if idemKey != "" {
		if _, err := tx.ExecContext(ctx, `
			insert into help_idempotency(sender_id, idem_key, help_id, created_at)
			values ($1,$2,$3,$4)
		`, senderID, idemKey, a.ID, now); err != nil {
			return match.Assignment{}, err
		}
	}
	return a, nil
}

// pickReceiver scans the candidate pool in priority order and locks the
// first passing row. Eligibility is evaluated again after the lock because
// a concurrent assignment may have consumed the last capacity slot.
func (s *Store) pickReceiver(ctx context.Context, tx *sql.Tx, senderID string, senderLevel match.Level) (*match.User, int, []match.CandidateRejection, error) {
	rows, err := tx.QueryContext(ctx, `
		select `+userColumns+` from users
		where is_activated = true and is_receiving_held = false
			and level in `+levelAliasSQL(senderLevel)+`
		order by referral_count desc, last_receive_assigned_at asc nulls first
		limit $1
	`, candidateBatchSize)
	if err != nil {
		return nil, 0, nil, err
	}
	var candidates []match.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, 0, nil, err
		}
		candidates = append(candidates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, nil, err
	}

	var (
		scanned    int
		rejections []match.CandidateRejection
	)
	for i := range candidates {
		candidate := candidates[i]
		scanned++
		if candidate.ID == senderID {
			rejections = append(rejections, match.CandidateRejection{CandidateID: candidate.ID, Reason: match.ReasonSameAsSender})
			continue
		}
		if ok, reason := match.EligibleReceiver(candidate, senderLevel); !ok {
			rejections = append(rejections, match.CandidateRejection{CandidateID: candidate.ID, Reason: reason})
			continue
		}

		row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1 for update`, candidate.ID)
		locked, err := scanUser(row)
		if err != nil {
			return nil, 0, nil, err
		}
		if ok, reason := match.EligibleReceiver(locked, senderLevel); !ok {
			rejections = append(rejections, match.CandidateRejection{CandidateID: locked.ID, Reason: reason})
			continue
		}
		return &locked, scanned, rejections, nil
	}
	return nil, scanned, rejections, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (match.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from send_help where id=$1`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Assignment{}, match.ErrNotFound
	}
	return a, err
}

func (s *Store) ListAssignments(ctx context.Context, limit int, afterSeq uint64) ([]match.Assignment, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+` from send_help
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []match.Assignment
	var last uint64
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, a)
		last = a.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) RequestPayment(ctx context.Context, id, receiverID string) (match.Assignment, error) {
	var out match.Assignment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := lockPair(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.ReceiverID != receiverID {
			return match.ErrNotParticipant
		}
		// Repeated requests are a no-op; combined with the HTTP rate limit
		// this is the request cooldown.
		if match.Terminal(a.Status) || a.Status == match.StatusPaymentRequested {
			out = a
			return nil
		}
		if !match.CanTransition(a.Status, match.StatusPaymentRequested) {
			return match.ErrInvalidTransition
		}

		row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1 for update`, receiverID)
		receiver, err := scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return match.ErrNotFound
		}
		if err != nil {
			return err
		}
		// Eligibility is re-checked at action time: flags may have changed
		// since the match was made.
		if ok, _ := match.EligibleReceiver(receiver, receiver.NormalizedLevel()); !ok {
			return match.ErrReceiverNotEligible
		}

		now := time.Now().UTC()
		deadline := now.Add(match.RequestToDoneWindow)
		if err := updatePair(ctx, tx, id, `
			set status=$2, payment_requested_at=$3, next_timeout_at=$4, updated_at=$3
		`, match.StatusPaymentRequested, now, deadline); err != nil {
			return err
		}
		out, err = reloadPair(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) SubmitPayment(ctx context.Context, id, senderID string, proof match.PaymentProof) (match.Assignment, error) {
	utr := strings.ToUpper(strings.TrimSpace(proof.UTR))
	if len(utr) < 6 {
		return match.Assignment{}, match.ErrInvalidUTR
	}

	var out match.Assignment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := lockPair(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.SenderID != senderID {
			return match.ErrNotParticipant
		}
		if match.Terminal(a.Status) || a.Status == match.StatusPaymentDone {
			out = a
			return nil
		}
		if a.Status != match.StatusPaymentRequested || !match.CanTransition(a.Status, match.StatusPaymentDone) {
			return match.ErrInvalidTransition
		}

		var owner string
		err = tx.QueryRowContext(ctx, `select help_id from utr_index where utr=$1`, utr).Scan(&owner)
		if err == nil && owner != id {
			return match.ErrUTRConflict
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			insert into utr_index(utr, help_id, created_at)
			values ($1,$2,$3) on conflict (utr) do nothing
		`, utr, id, now); err != nil {
			return err
		}
		if err := updatePair(ctx, tx, id, `
			set status=$2, payment_done_at=$3, next_timeout_at=null, updated_at=$3,
			    utr=$4, payment_method=$5, screenshot_path=$6, screenshot_size=$7
		`, match.StatusPaymentDone, now, utr, proof.Method, proof.ScreenshotPath, proof.ScreenshotSize); err != nil {
			return err
		}
		out, err = reloadPair(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) ResolvePayment(ctx context.Context, id, receiverID string, action match.ResolveAction, reason string) (match.Assignment, error) {
	var out match.Assignment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := lockPair(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.ReceiverID != receiverID {
			return match.ErrNotParticipant
		}
		if match.Terminal(a.Status) {
			out = a
			return nil
		}

		now := time.Now().UTC()
		switch action {
		case match.ResolveConfirm:
			if a.Status != match.StatusPaymentDone || !match.CanTransition(a.Status, match.StatusConfirmed) {
				return match.ErrInvalidTransition
			}
			if err := updatePair(ctx, tx, id, `
				set status=$2, confirmed_at=$3, confirmed_by_receiver=true, next_timeout_at=null, updated_at=$3
			`, match.StatusConfirmed, now); err != nil {
				return err
			}
			if err := releaseSlot(ctx, tx, a, now); err != nil {
				return err
			}
		case match.ResolveDispute:
			if !match.CanTransition(a.Status, match.StatusDisputed) {
				return match.ErrInvalidTransition
			}
			if err := updatePair(ctx, tx, id, `
				set status=$2, disputed=true, disputed_at=$3, dispute_reason=$4, next_timeout_at=null, updated_at=$3
			`, match.StatusDisputed, now, reason); err != nil {
				return err
			}
		default:
			return match.ErrInvalidTransition
		}
		out, err = reloadPair(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) Cancel(ctx context.Context, id, actorID, reason string) (match.Assignment, error) {
	var out match.Assignment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		a, err := lockPair(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.SenderID != actorID && a.ReceiverID != actorID {
			return match.ErrNotParticipant
		}
		if match.Terminal(a.Status) {
			out = a
			return nil
		}

		now := time.Now().UTC()
		if err := updatePair(ctx, tx, id, `
			set status=$2, cancel_reason=$3, cancelled_by=$4, next_timeout_at=null, updated_at=$5
		`, match.StatusCancelled, reason, actorID, now); err != nil {
			return err
		}
		if err := releaseSlot(ctx, tx, a, now); err != nil {
			return err
		}
		out, err = reloadPair(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from send_help
		where next_timeout_at is not null and next_timeout_at <= $1 and status in `+activeStatusSQL+`
		order by next_timeout_at asc
	`, now)
	if err != nil {
		return 0, err
	}
	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var expired int
	for _, id := range due {
		didExpire := false
		err := s.withRetry(ctx, func(tx *sql.Tx) error {
			didExpire = false
			a, err := lockPair(ctx, tx, id)
			if err != nil {
				return err
			}
			if match.Terminal(a.Status) || a.NextTimeoutAt == nil || now.Before(*a.NextTimeoutAt) {
				return nil
			}
			reason := "request_window_elapsed"
			if a.Status == match.StatusPaymentRequested {
				reason = "payment_window_elapsed"
			}
			if err := updatePair(ctx, tx, id, `
				set status=$2, timeout_reason=$3, next_timeout_at=null, updated_at=$4
			`, match.StatusTimeout, reason, now); err != nil {
				return err
			}
			if err := releaseSlot(ctx, tx, a, now); err != nil {
				return err
			}
			didExpire = true
			return nil
		})
		if err != nil {
			return expired, err
		}
		if didExpire {
			expired++
		}
	}
	return expired, nil
}

func (s *Store) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSQLState(err, serializationFailure) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSQLState(err, serializationFailure) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return errors.Join(match.ErrTransactionConflict, lastErr)
}

// lockPair locks both views and verifies they have not diverged.
func lockPair(ctx context.Context, tx *sql.Tx, id string) (match.Assignment, error) {
	row := tx.QueryRowContext(ctx, `select `+assignmentColumns+` from send_help where id=$1 for update`, id)
	sv, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Assignment{}, match.ErrNotFound
	}
	if err != nil {
		return match.Assignment{}, err
	}
	row = tx.QueryRowContext(ctx, `select `+assignmentColumns+` from receive_help where id=$1 for update`, id)
	rv, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return match.Assignment{}, match.ErrNotFound
	}
	if err != nil {
		return match.Assignment{}, err
	}
	if sv.Status != rv.Status {
		return match.Assignment{}, match.ErrPairOutOfSync
	}
	return sv, nil
}

// updatePair applies one set clause to both tables so the views stay mirrored.
func updatePair(ctx context.Context, tx *sql.Tx, id, setClause string, args ...any) error {
	all := append([]any{id}, args...)
	for _, table := range []string{"send_help", "receive_help"} {
		res, err := tx.ExecContext(ctx, `update `+table+` `+setClause+` where id=$1`, all...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return match.ErrPairOutOfSync
		}
	}
	return nil
}

func reloadPair(ctx context.Context, tx *sql.Tx, id string) (match.Assignment, error) {
	row := tx.QueryRowContext(ctx, `select `+assignmentColumns+` from send_help where id=$1`, id)
	return scanAssignment(row)
}

// releaseSlot frees the receiver's capacity slot exactly once.
func releaseSlot(ctx context.Context, tx *sql.Tx, a match.Assignment, now time.Time) error {
	if a.SlotReleased {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		update users set active_receive_count = greatest(active_receive_count - 1, 0)
		where id=$1
	`, a.ReceiverID); err != nil {
		return err
	}
	return updatePair(ctx, tx, a.ID, `set slot_released=true, updated_at=$2`, now)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (match.User, error) {
	var (
		u          match.User
		visibility sql.NullBool
		lastAt     sql.NullTime
	)
	err := sc.Scan(&u.ID, &u.Name, &u.Phone, &u.CreatedAt, &u.Level,
		&u.IsActivated, &u.IsBlocked, &u.IsOnHold, &u.IsReceivingHeld, &u.PaymentBlocked,
		&visibility, &u.ActiveReceiveCount, &u.UpgradeRequired, &u.SponsorPaymentPending,
		&u.ReceiveOverride, &u.ReferralCount, &lastAt)
	if err != nil {
		return match.User{}, err
	}
	if visibility.Valid {
		v := visibility.Bool
		u.HelpVisibility = &v
	}
	if lastAt.Valid {
		t := lastAt.Time
		u.LastReceiveAssignedAt = &t
	}
	return u, nil
}

func scanAssignment(sc scanner) (match.Assignment, error) {
	var a match.Assignment
	var requestedAt, doneAt, confirmedAt, nextTimeoutAt, disputedAt sql.NullTime
	var status, senderLevel, receiverLevel, idem string
	err := sc.Scan(&a.ID, &status, &a.Sequence,
		&a.SenderID, &a.SenderName, &a.SenderPhone, &senderLevel,
		&a.ReceiverID, &a.ReceiverName, &a.ReceiverPhone, &receiverLevel,
		&a.Amount, &a.CreatedAt, &a.UpdatedAt, &a.AssignedAt,
		&requestedAt, &doneAt, &confirmedAt, &a.ConfirmedByReceiver,
		&nextTimeoutAt, &a.TimeoutReason, &a.CancelReason, &a.CancelledBy, &a.SlotReleased,
		&a.Payment.UTR, &a.Payment.Method, &a.Payment.ScreenshotPath, &a.Payment.ScreenshotSize,
		&a.Dispute.Disputed, &disputedAt, &a.Dispute.Reason, &idem)
	if err != nil {
		return match.Assignment{}, err
	}
	a.Status = match.Status(status)
	a.SenderLevel = match.Level(senderLevel)
	a.ReceiverLevel = match.Level(receiverLevel)
	a.IdempotencyKey = idem
	if requestedAt.Valid {
		t := requestedAt.Time
		a.PaymentRequestedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		a.PaymentDoneAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		a.ConfirmedAt = &t
	}
	if nextTimeoutAt.Valid {
		t := nextTimeoutAt.Time
		a.NextTimeoutAt = &t
	}
	if disputedAt.Valid {
		t := disputedAt.Time
		a.Dispute.DisputedAt = &t
	}
	return a, nil
}

// levelAliasSQL builds an IN-list literal over the raw forms a tier is
// stored as. The level column holds whatever the record was created with,
// so the candidate scan must match tier names and legacy codes alike.
func levelAliasSQL(l match.Level) string {
	aliases := match.LevelAliases(l)
	parts := make([]string, len(aliases))
	for i, a := range aliases {
		parts[i] = "'" + a + "'"
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// activeStatusSQL is an IN-list literal built from internal constants.
var activeStatusSQL = func() string {
	parts := make([]string, len(match.ActiveStatuses))
	for i, s := range match.ActiveStatuses {
		parts[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(parts, ",") + ")"
}()

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
