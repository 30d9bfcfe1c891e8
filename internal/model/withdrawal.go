package model

import (
	"database/sql"
	"time"
)

// State is the withdrawal request lifecycle state, stored as snake_case.
type State string

const (
	StatePendingFee     State = "pending_fee"
	StateFeeUnderReview State = "fee_under_review"
	StatePinIssued      State = "pin_issued"
	StatePinConfirmed   State = "pin_confirmed"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
)

// Terminal reports whether the state is final. Terminal requests persist
// as audit records and never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// Active is the inverse of Terminal. At most one active request may
// exist per user.
func (s State) Active() bool { return !s.Terminal() }

// Destination is the payout bank account. Opaque to the state machine.
type Destination struct {
	AccountName   string `db:"account_name" json:"account_name"`
	AccountNumber string `db:"account_number" json:"account_number"`
	BankName      string `db:"bank_name" json:"bank_name"`
}

type WithdrawalRequest struct {
	ID              string `db:"id" json:"id"`
	UserID          string `db:"user_id" json:"-"`
	RequestedAmount int64  `db:"requested_amount" json:"requested_amount"`
	FeeAmount       int64  `db:"fee_amount" json:"fee_amount"`
	State           State  `db:"state" json:"state"`

	Destination

	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	FeeDeadline time.Time `db:"fee_deadline" json:"fee_deadline"`

	PinSecret      sql.NullString `db:"pin_secret" json:"-"`
	PinIssuedAt    sql.NullTime   `db:"pin_issued_at" json:"-"`
	PinConfirmedAt sql.NullTime   `db:"pin_confirmed_at" json:"-"`
	PinAttempts    int            `db:"pin_attempts" json:"-"`
	PinLockUntil   sql.NullTime   `db:"pin_lock_until" json:"-"`

	ProofRef           sql.NullString `db:"proof_ref" json:"-"`
	ExternalPaymentRef sql.NullString `db:"external_payment_ref" json:"-"`

	CompletedAt sql.NullTime `db:"completed_at" json:"-"`
}
