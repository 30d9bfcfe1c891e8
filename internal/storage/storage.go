// Package storage defines the persistence contract for the payout core.
//
// Every state transition runs inside a per-request atomic scope
// (UpdateRequest): the request is loaded under a mutual-exclusion lock,
// the caller's function decides and mutates, and the write, any ledger
// movement and the audit entry commit together or not at all.
package storage

import (
	"context"
	"time"

	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrRequestNotFound     = errors.New("withdrawal request not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account exists")
	ErrAccountClosed       = errors.New("account closed")
	ErrBalanceInsufficient = errors.New("balance insufficient")
	ErrActiveRequestExists = errors.New("active withdrawal request exists")
)

// RequestTx is the atomic scope handed to an UpdateFn. The request it
// exposes is locked for the duration of the function; mutations are
// persisted only if the function returns nil.
type RequestTx interface {
	// Request returns the locked request for reading and mutation.
	Request() *model.WithdrawalRequest

	// Credit adds amount to the owning user's balance, atomically with
	// the surrounding transition.
	Credit(ctx context.Context, amount int64) error

	// Debit subtracts amount from the owning user's balance. Fails with
	// ErrBalanceInsufficient rather than going negative.
	Debit(ctx context.Context, amount int64) error

	// PinInUse reports whether any live request already carries this
	// rendered PIN. Used to regenerate on collision.
	PinInUse(ctx context.Context, pin string) (bool, error)

	// Audit records the transition being performed in this scope. The
	// to-state is taken from the request at commit time.
	Audit(from model.State, trigger model.Trigger, actor string)
}

// UpdateFn runs inside a per-request atomic scope.
type UpdateFn func(ctx context.Context, tx RequestTx) error

type Storage interface {
	// CreateRequest atomically checks the owner's balance, debits the
	// requested amount, enforces the one-active-request-per-user rule,
	// inserts the request and writes the creation audit entry.
	CreateRequest(ctx context.Context, req *model.WithdrawalRequest) error

	GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error)

	// UpdateRequest runs fn in the request's atomic scope.
	UpdateRequest(ctx context.Context, id string, fn UpdateFn) error

	// ListUserRequests returns the user's requests, newest first.
	ListUserRequests(ctx context.Context, userID string) ([]model.WithdrawalRequest, error)

	// ListExpirable returns up to limit ids of requests still waiting on
	// the fee whose deadline has passed.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ListAudit returns the request's transition log in order.
	ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error)

	CreateAccount(ctx context.Context, id string, balance int64) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// UpdateAccount mutates the account under its lock. Used by the
	// closure gate for counters and the closed flag, never for balance.
	UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) error

	// EnqueueReview parks a request for manual operator reconciliation.
	EnqueueReview(ctx context.Context, requestID, reason string) error
	ListReview(ctx context.Context) ([]model.ReviewItem, error)
}
