package withdrawal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nbvehbq/go-payout-service/internal/model"
)

var (
	// ErrMinimumNotMet rejects amounts below MinimumAmount. No side effect.
	ErrMinimumNotMet = errors.New("amount below withdrawal minimum")

	// ErrWrongOwner rejects a caller acting on someone else's request.
	ErrWrongOwner = errors.New("request belongs to another user")

	// ErrExpired reports that the request is past its fee deadline. The
	// expiry transition (with its refund) has already been forced by the
	// time the caller sees this.
	ErrExpired = errors.New("request expired")

	// ErrInvalidPin is a failed verification attempt. The attempt
	// counter has been advanced.
	ErrInvalidPin = errors.New("invalid pin")

	// ErrNoMatch means a payment-confirmation event referenced an
	// unknown request.
	ErrNoMatch = errors.New("no matching request for payment event")

	// ErrAmountMismatch means the confirmed payment does not equal the
	// expected fee exactly.
	ErrAmountMismatch = errors.New("payment amount does not match fee")
)

// IllegalTransitionError rejects an action the current state does not
// allow. It carries the state so the caller can resynchronize.
type IllegalTransitionError struct {
	State  model.State
	Action string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %q", e.Action, e.State)
}

func illegal(state model.State, action string) error {
	return &IllegalTransitionError{State: state, Action: action}
}
