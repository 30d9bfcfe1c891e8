package secret_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbvehbq/go-payout-service/internal/secret"
)

func TestWithdrawalFormat(t *testing.T) {
	gen := secret.NewGenerator()

	s, err := gen.New(secret.Withdrawal)
	require.NoError(t, err)

	assert.Len(t, s, secret.Withdrawal.Len())

	parts := strings.Split(s, "-")
	require.Len(t, parts, 4)
	for _, p := range parts {
		assert.Len(t, p, 4)
		for _, r := range p {
			assert.Contains(t, secret.Withdrawal.Alphabet, string(r))
		}
	}
}

func TestAccountClosureFormat(t *testing.T) {
	gen := secret.NewGenerator()

	s, err := gen.New(secret.AccountClosure)
	require.NoError(t, err)

	assert.Len(t, s, 7)

	parts := strings.Split(s, "-")
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.Len(t, p, 3)
		for _, r := range p {
			assert.Contains(t, "0123456789", string(r))
		}
	}
}

func TestSecretsVary(t *testing.T) {
	gen := secret.NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		s, err := gen.New(secret.Withdrawal)
		require.NoError(t, err)
		seen[s] = true
	}

	// 16^16 possibilities; a repeat in 32 draws means the source is broken.
	assert.Len(t, seen, 32)
}
