package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/storage"
)

type Storage struct {
	db    *sqlx.DB
	clock clock.Clock
}

func NewStorage(ctx context.Context, DSN string, clk clock.Clock) (*Storage, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", DSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect to db")
	}

	if err := initDatabaseStructure(ctx, db); err != nil {
		return nil, errors.Wrap(err, "init db")
	}

	return &Storage{db: db, clock: clk}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initDatabaseStructure(ctx context.Context, db *sqlx.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS account (
	  id TEXT NOT NULL,
	  balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	  closed BOOLEAN NOT NULL DEFAULT FALSE,
	  closed_at TIMESTAMPTZ,
	  closure_secret_hash TEXT,
	  closure_issued_at TIMESTAMPTZ,
	  closure_attempts INT NOT NULL DEFAULT 0,
	  closure_lock_until TIMESTAMPTZ,

		CONSTRAINT "account_id_pkey" PRIMARY KEY ("id")
	);

	CREATE TABLE IF NOT EXISTS withdrawal_request (
	  id TEXT NOT NULL,
	  user_id TEXT NOT NULL REFERENCES account (id),
	  requested_amount BIGINT NOT NULL,
	  fee_amount BIGINT NOT NULL,
	  state TEXT NOT NULL,
	  account_name TEXT NOT NULL,
	  account_number TEXT NOT NULL,
	  bank_name TEXT NOT NULL,
	  created_at TIMESTAMPTZ NOT NULL,
	  fee_deadline TIMESTAMPTZ NOT NULL,
	  pin_secret TEXT,
	  pin_issued_at TIMESTAMPTZ,
	  pin_confirmed_at TIMESTAMPTZ,
	  pin_attempts INT NOT NULL DEFAULT 0,
	  pin_lock_until TIMESTAMPTZ,
	  proof_ref TEXT,
	  external_payment_ref TEXT,
	  completed_at TIMESTAMPTZ,

		CONSTRAINT "withdrawal_request_id_pkey" PRIMARY KEY ("id")
	);

	CREATE UNIQUE INDEX IF NOT EXISTS "withdrawal_request_active_user_key"
	  ON withdrawal_request (user_id)
	  WHERE state NOT IN ('completed', 'failed', 'expired');

	CREATE UNIQUE INDEX IF NOT EXISTS "withdrawal_request_live_pin_key"
	  ON withdrawal_request (pin_secret)
	  WHERE pin_secret IS NOT NULL AND state NOT IN ('completed', 'failed', 'expired');

	CREATE INDEX IF NOT EXISTS "withdrawal_request_deadline_idx"
	  ON withdrawal_request (fee_deadline) WHERE state IN ('pending_fee', 'fee_under_review');

	CREATE TABLE IF NOT EXISTS withdrawal_audit (
	  id TEXT NOT NULL,
	  request_id TEXT NOT NULL REFERENCES withdrawal_request (id),
	  from_state TEXT NOT NULL,
	  to_state TEXT NOT NULL,
	  "trigger" TEXT NOT NULL,
	  actor TEXT NOT NULL,
	  at TIMESTAMPTZ NOT NULL,

		CONSTRAINT "withdrawal_audit_id_pkey" PRIMARY KEY ("id")
	);

	CREATE INDEX IF NOT EXISTS "withdrawal_audit_request_idx" ON withdrawal_audit (request_id, at);

	CREATE TABLE IF NOT EXISTS manual_review (
	  id TEXT NOT NULL,
	  request_id TEXT NOT NULL,
	  reason TEXT NOT NULL,
	  at TIMESTAMPTZ NOT NULL,

		CONSTRAINT "manual_review_id_pkey" PRIMARY KEY ("id")
	);
	`
	_, err := db.ExecContext(ctx, query)
	if err != nil {
		return err
	}

	return nil
}

const requestColumns = `id, user_id, requested_amount, fee_amount, state,
	account_name, account_number, bank_name, created_at, fee_deadline,
	pin_secret, pin_issued_at, pin_confirmed_at, pin_attempts, pin_lock_until,
	proof_ref, external_payment_ref, completed_at`

func (s *Storage) CreateRequest(ctx context.Context, req *model.WithdrawalRequest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var acc struct {
		Balance int64 `db:"balance"`
		Closed  bool  `db:"closed"`
	}
	query := `SELECT balance, closed FROM account WHERE id = $1 FOR UPDATE;`
	if err := tx.GetContext(ctx, &acc, query, req.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrAccountNotFound
		}
		return errors.Wrap(err, "lock account")
	}
	if acc.Closed {
		return storage.ErrAccountClosed
	}
	if acc.Balance < req.RequestedAmount {
		return storage.ErrBalanceInsufficient
	}

	query = `UPDATE account SET balance = balance - $1 WHERE id = $2;`
	if _, err := tx.ExecContext(ctx, query, req.RequestedAmount, req.UserID); err != nil {
		return errors.Wrap(err, "debit account")
	}

	query = `INSERT INTO withdrawal_request (` + requestColumns + `)
		VALUES (:id, :user_id, :requested_amount, :fee_amount, :state,
			:account_name, :account_number, :bank_name, :created_at, :fee_deadline,
			:pin_secret, :pin_issued_at, :pin_confirmed_at, :pin_attempts, :pin_lock_until,
			:proof_ref, :external_payment_ref, :completed_at);`
	if _, err := tx.NamedExecContext(ctx, query, req); err != nil {
		var pqErr *pgconn.PgError
		if errors.As(err, &pqErr) && pgerrcode.UniqueViolation == pqErr.Code {
			return storage.ErrActiveRequestExists
		}
		return errors.Wrap(err, "insert request")
	}

	if err := s.insertAudit(ctx, tx, req.ID, "", req.State, model.TriggerUser, req.UserID); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Storage) GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	query := `SELECT ` + requestColumns + ` FROM withdrawal_request WHERE id = $1;`

	if err := s.db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRequestNotFound
		}
		return nil, errors.Wrap(err, "get request")
	}

	return &req, nil
}

func (s *Storage) UpdateRequest(ctx context.Context, id string, fn storage.UpdateFn) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var req model.WithdrawalRequest
	query := `SELECT ` + requestColumns + ` FROM withdrawal_request WHERE id = $1 FOR UPDATE;`
	if err := tx.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrRequestNotFound
		}
		return errors.Wrap(err, "lock request")
	}

	rtx := &requestTx{tx: tx, req: &req}
	if err := fn(ctx, rtx); err != nil {
		return err
	}

	query = `UPDATE withdrawal_request SET
		state = :state,
		pin_secret = :pin_secret,
		pin_issued_at = :pin_issued_at,
		pin_confirmed_at = :pin_confirmed_at,
		pin_attempts = :pin_attempts,
		pin_lock_until = :pin_lock_until,
		proof_ref = :proof_ref,
		external_payment_ref = :external_payment_ref,
		completed_at = :completed_at
		WHERE id = :id;`
	if _, err := tx.NamedExecContext(ctx, query, &req); err != nil {
		return errors.Wrap(err, "update request")
	}

	for _, a := range rtx.audits {
		if err := s.insertAudit(ctx, tx, req.ID, a.from, req.State, a.trigger, a.actor); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Storage) ListUserRequests(ctx context.Context, userID string) ([]model.WithdrawalRequest, error) {
	var list []model.WithdrawalRequest
	query := `SELECT ` + requestColumns + ` FROM withdrawal_request
		WHERE user_id = $1 ORDER BY created_at DESC;`

	if err := s.db.SelectContext(ctx, &list, query, userID); err != nil {
		return nil, errors.Wrap(err, "list requests")
	}

	return list, nil
}

func (s *Storage) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	query := `SELECT id FROM withdrawal_request
		WHERE state IN ('pending_fee', 'fee_under_review') AND fee_deadline < $1
		ORDER BY fee_deadline
		LIMIT $2;`

	if err := s.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, errors.Wrap(err, "list expirable")
	}

	return ids, nil
}

func (s *Storage) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	var list []model.AuditEntry
	query := `SELECT id, request_id, from_state, to_state, "trigger", actor, at
		FROM withdrawal_audit WHERE request_id = $1 ORDER BY at;`

	if err := s.db.SelectContext(ctx, &list, query, requestID); err != nil {
		return nil, errors.Wrap(err, "list audit")
	}

	return list, nil
}

func (s *Storage) CreateAccount(ctx context.Context, id string, balance int64) error {
	query := `INSERT INTO account (id, balance) VALUES ($1, $2);`

	if _, err := s.db.ExecContext(ctx, query, id, balance); err != nil {
		var pqErr *pgconn.PgError
		if errors.As(err, &pqErr) && pgerrcode.UniqueViolation == pqErr.Code {
			return storage.ErrAccountExists
		}
		return errors.Wrap(err, "create account")
	}

	return nil
}

func (s *Storage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	query := `SELECT id, balance, closed, closed_at, closure_secret_hash,
		closure_issued_at, closure_attempts, closure_lock_until
		FROM account WHERE id = $1;`

	if err := s.db.GetContext(ctx, &acc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "get account")
	}

	return &acc, nil
}

func (s *Storage) UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var acc model.Account
	query := `SELECT id, balance, closed, closed_at, closure_secret_hash,
		closure_issued_at, closure_attempts, closure_lock_until
		FROM account WHERE id = $1 FOR UPDATE;`
	if err := tx.GetContext(ctx, &acc, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrAccountNotFound
		}
		return errors.Wrap(err, "lock account")
	}

	if err := fn(&acc); err != nil {
		return err
	}

	query = `UPDATE account SET
		closed = :closed,
		closed_at = :closed_at,
		closure_secret_hash = :closure_secret_hash,
		closure_issued_at = :closure_issued_at,
		closure_attempts = :closure_attempts,
		closure_lock_until = :closure_lock_until
		WHERE id = :id;`
	if _, err := tx.NamedExecContext(ctx, query, &acc); err != nil {
		return errors.Wrap(err, "update account")
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Storage) EnqueueReview(ctx context.Context, requestID, reason string) error {
	id, err := gonanoid.New()
	if err != nil {
		return errors.Wrap(err, "new id")
	}

	query := `INSERT INTO manual_review (id, request_id, reason, at) VALUES ($1, $2, $3, $4);`
	if _, err := s.db.ExecContext(ctx, query, id, requestID, reason, s.clock.Now()); err != nil {
		return errors.Wrap(err, "enqueue review")
	}

	return nil
}

func (s *Storage) ListReview(ctx context.Context) ([]model.ReviewItem, error) {
	var list []model.ReviewItem
	query := `SELECT id, request_id, reason, at FROM manual_review ORDER BY at;`

	if err := s.db.SelectContext(ctx, &list, query); err != nil {
		return nil, errors.Wrap(err, "list review")
	}

	return list, nil
}

func (s *Storage) insertAudit(ctx context.Context, tx *sqlx.Tx, requestID string, from, to model.State, trigger model.Trigger, actor string) error {
	id, err := gonanoid.New()
	if err != nil {
		return errors.Wrap(err, "new id")
	}

	query := `INSERT INTO withdrawal_audit (id, request_id, from_state, to_state, "trigger", actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`
	if _, err := tx.ExecContext(ctx, query, id, requestID, from, to, trigger, actor, s.clock.Now()); err != nil {
		return errors.Wrap(err, "insert audit")
	}

	return nil
}

type pendingAudit struct {
	from    model.State
	trigger model.Trigger
	actor   string
}

type requestTx struct {
	tx     *sqlx.Tx
	req    *model.WithdrawalRequest
	audits []pendingAudit
}

func (t *requestTx) Request() *model.WithdrawalRequest { return t.req }

func (t *requestTx) Credit(ctx context.Context, amount int64) error {
	query := `UPDATE account SET balance = balance + $1 WHERE id = $2;`
	res, err := t.tx.ExecContext(ctx, query, amount, t.req.UserID)
	if err != nil {
		return errors.Wrap(err, "credit account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrAccountNotFound
	}

	return nil
}

func (t *requestTx) Debit(ctx context.Context, amount int64) error {
	query := `UPDATE account SET balance = balance - $1 WHERE id = $2 AND balance >= $1;`
	res, err := t.tx.ExecContext(ctx, query, amount, t.req.UserID)
	if err != nil {
		return errors.Wrap(err, "debit account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrBalanceInsufficient
	}

	return nil
}

func (t *requestTx) PinInUse(ctx context.Context, pin string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM withdrawal_request
		WHERE pin_secret = $1 AND state NOT IN ('completed', 'failed', 'expired')
	);`

	if err := t.tx.GetContext(ctx, &exists, query, pin); err != nil {
		return false, errors.Wrap(err, "check pin")
	}

	return exists, nil
}

func (t *requestTx) Audit(from model.State, trigger model.Trigger, actor string) {
	t.audits = append(t.audits, pendingAudit{from: from, trigger: trigger, actor: actor})
}
