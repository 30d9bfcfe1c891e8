package model

import "database/sql"

// Account owns the reward balance. The balance is mutated only through
// the withdrawal state machine's atomic scopes and never goes negative.
type Account struct {
	ID      string `db:"id" json:"id"`
	Balance int64  `db:"balance" json:"balance"`

	Closed   bool         `db:"closed" json:"closed"`
	ClosedAt sql.NullTime `db:"closed_at" json:"-"`

	// Closure-code gate state. The code itself is stored as a bcrypt
	// hash; the plaintext is shown to the user once at issuance.
	ClosureSecretHash sql.NullString `db:"closure_secret_hash" json:"-"`
	ClosureIssuedAt   sql.NullTime   `db:"closure_issued_at" json:"-"`
	ClosureAttempts   int            `db:"closure_attempts" json:"-"`
	ClosureLockUntil  sql.NullTime   `db:"closure_lock_until" json:"-"`
}
