package model

import "time"

// Trigger identifies which input channel drove a transition.
type Trigger string

const (
	TriggerUser         Trigger = "user"
	TriggerOperator     Trigger = "operator"
	TriggerPaymentEvent Trigger = "payment_event"
	TriggerSweeper      Trigger = "sweeper"
)

// AuditEntry is one row of the append-only transition log, written in
// the same atomic scope as the transition it records.
type AuditEntry struct {
	ID        string  `db:"id" json:"id"`
	RequestID string  `db:"request_id" json:"request_id"`
	FromState State   `db:"from_state" json:"from_state"`
	ToState   State   `db:"to_state" json:"to_state"`
	Trigger   Trigger `db:"trigger" json:"trigger"`
	Actor     string  `db:"actor" json:"actor"`

	At time.Time `db:"at" json:"at"`
}

// ReviewItem is a request parked for manual operator reconciliation
// after an unrecoverable processing failure.
type ReviewItem struct {
	ID        string    `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"request_id"`
	Reason    string    `db:"reason" json:"reason"`
	At        time.Time `db:"at" json:"at"`
}
