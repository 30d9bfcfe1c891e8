package pingate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbvehbq/go-payout-service/internal/pingate"
)

func equals(stored string) func(string) bool {
	return func(normalized string) bool {
		return normalized == pingate.Normalize(stored)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already normal", "ABCD1234", "ABCD1234"},
		{"lowercase", "abcd1234", "ABCD1234"},
		{"delimiters stripped", "AB-CD 12.34", "ABCD1234"},
		{"only punctuation", "---", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pingate.Normalize(tt.in))
		})
	}
}

func TestVerifyMatchResetsCounters(t *testing.T) {
	gate := pingate.Default()
	now := time.Now()

	c, err := gate.Verify(now, "ab-cd 1234", equals("ABCD-1234"), pingate.Counters{Attempts: 2})
	require.NoError(t, err)
	assert.Zero(t, c.Attempts)
	assert.True(t, c.LockUntil.IsZero())
}

func TestVerifyMismatchCountsAttempts(t *testing.T) {
	gate := pingate.Default()
	now := time.Now()

	c, err := gate.Verify(now, "WRONG", equals("ABCD-1234"), pingate.Counters{})
	require.ErrorIs(t, err, pingate.ErrMismatch)
	assert.Equal(t, 1, c.Attempts)

	c, err = gate.Verify(now, "WRONG", equals("ABCD-1234"), c)
	require.ErrorIs(t, err, pingate.ErrMismatch)
	assert.Equal(t, 2, c.Attempts)
}

func TestVerifyThirdMismatchLocks(t *testing.T) {
	gate := pingate.Default()
	now := time.Now()

	c := pingate.Counters{Attempts: 2}
	c, err := gate.Verify(now, "WRONG", equals("ABCD-1234"), c)

	var locked *pingate.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, pingate.DefaultLockFor, locked.Remaining)
	assert.Zero(t, c.Attempts)
	assert.Equal(t, now.Add(pingate.DefaultLockFor), c.LockUntil)
}

func TestVerifyWhileLocked(t *testing.T) {
	gate := pingate.Default()
	now := time.Now()
	c := pingate.Counters{LockUntil: now.Add(2 * time.Minute)}

	// Even the correct secret is rejected during the lock, and the
	// attempt is not consumed.
	got, err := gate.Verify(now, "ABCD-1234", equals("ABCD-1234"), c)

	var locked *pingate.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 2*time.Minute, locked.Remaining)
	assert.Equal(t, c, got)
}

func TestVerifyAfterLockExpires(t *testing.T) {
	gate := pingate.Default()
	now := time.Now()
	c := pingate.Counters{LockUntil: now.Add(-time.Second)}

	got, err := gate.Verify(now, "ABCD-1234", equals("ABCD-1234"), c)
	require.NoError(t, err)
	assert.Zero(t, got.Attempts)
}

func TestVerifyCustomLimits(t *testing.T) {
	gate := pingate.Gate{MaxAttempts: 1, LockFor: time.Minute}
	now := time.Now()

	_, err := gate.Verify(now, "WRONG", equals("123456"), pingate.Counters{})

	var locked *pingate.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, time.Minute, locked.Remaining)
}
