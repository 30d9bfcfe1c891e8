// Package pingate implements the attempt-counting lockout gate shared by
// every secret-protected action. Both the withdrawal PIN and the
// account-closure code go through the same Verify so their lockout
// semantics cannot drift apart.
package pingate

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultLockFor     = 5 * time.Minute
)

// ErrMismatch is returned on a failed attempt that did not trigger a lock.
var ErrMismatch = errors.New("secret mismatch")

// LockedError rejects an attempt made while the gate is locked, or the
// attempt that tripped the lock. Remaining is how long the caller must wait.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked, retry in %ds", int(e.Remaining.Seconds()+0.5))
}

// Counters is the per-record attempt state. The owner of the protected
// record persists it; the gate never holds state of its own.
type Counters struct {
	Attempts  int
	LockUntil time.Time
}

type Gate struct {
	MaxAttempts int
	LockFor     time.Duration
}

func Default() Gate {
	return Gate{MaxAttempts: DefaultMaxAttempts, LockFor: DefaultLockFor}
}

// Normalize uppercases s and strips everything that is not a letter or
// digit, so "abcd-1234" and "ABCD 1234" compare equal.
func Normalize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Verify runs a single attempt. match receives the normalized submitted
// secret and reports whether it is correct; how the stored secret is kept
// (plaintext, hash) is the call site's business.
//
// While locked, attempts are rejected without touching the counter. A
// mismatch increments the counter; the mismatch that reaches MaxAttempts
// locks the gate for LockFor and resets the counter. A match resets
// everything and consumes the attempt state.
func (g Gate) Verify(now time.Time, submitted string, match func(normalized string) bool, c Counters) (Counters, error) {
	if now.Before(c.LockUntil) {
		return c, &LockedError{Remaining: c.LockUntil.Sub(now)}
	}

	if match(Normalize(submitted)) {
		return Counters{}, nil
	}

	c.Attempts++
	if c.Attempts >= g.MaxAttempts {
		c.Attempts = 0
		c.LockUntil = now.Add(g.LockFor)
		return c, &LockedError{Remaining: g.LockFor}
	}

	return c, ErrMismatch
}
