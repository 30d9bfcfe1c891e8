// Package account handles the irreversible account-closure action,
// protected by the same lockout gate as the withdrawal PIN but with a
// shorter secret format and a hashed-at-rest secret.
package account

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/logger"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/pingate"
	"github.com/nbvehbq/go-payout-service/internal/secret"
	"github.com/nbvehbq/go-payout-service/internal/storage"
)

// ErrNoClosureCode means Close was called before a code was issued.
var ErrNoClosureCode = errors.New("no closure code issued")

type Service struct {
	storage storage.Storage
	secrets secret.Generator
	clock   clock.Clock
	gate    pingate.Gate
}

func NewService(st storage.Storage, gen secret.Generator, clk clock.Clock) *Service {
	return &Service{
		storage: st,
		secrets: gen,
		clock:   clk,
		gate:    pingate.Default(),
	}
}

// IssueClosureCode generates a short-format code, stores only its bcrypt
// hash and returns the plaintext exactly once. Issuing again replaces
// the previous code and resets the gate counters.
func (s *Service) IssueClosureCode(ctx context.Context, userID string) (string, error) {
	code, err := s.secrets.New(secret.AccountClosure)
	if err != nil {
		return "", errors.Wrap(err, "generate closure code")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pingate.Normalize(code)), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash closure code")
	}

	err = s.storage.UpdateAccount(ctx, userID, func(acc *model.Account) error {
		if acc.Closed {
			return storage.ErrAccountClosed
		}

		acc.ClosureSecretHash = sql.NullString{String: string(hash), Valid: true}
		acc.ClosureIssuedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
		acc.ClosureAttempts = 0
		acc.ClosureLockUntil = sql.NullTime{}

		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Log.Info("closure code issued", zap.String("user_id", userID))

	return code, nil
}

// Close verifies the code through the shared gate and closes the
// account for good. Mirrors the original flow: no balance or pending
// withdrawal check, the user's choice is final. Gate failures surface as
// pingate.ErrMismatch or *pingate.LockedError with counters persisted.
func (s *Service) Close(ctx context.Context, userID, code string) error {
	var opErr error
	err := s.storage.UpdateAccount(ctx, userID, func(acc *model.Account) error {
		if acc.Closed {
			return storage.ErrAccountClosed
		}
		if !acc.ClosureSecretHash.Valid {
			return ErrNoClosureCode
		}

		counters := pingate.Counters{Attempts: acc.ClosureAttempts}
		if acc.ClosureLockUntil.Valid {
			counters.LockUntil = acc.ClosureLockUntil.Time
		}

		hash := []byte(acc.ClosureSecretHash.String)
		counters, gateErr := s.gate.Verify(s.clock.Now(), code, func(normalized string) bool {
			return bcrypt.CompareHashAndPassword(hash, []byte(normalized)) == nil
		}, counters)

		acc.ClosureAttempts = counters.Attempts
		acc.ClosureLockUntil = sql.NullTime{Time: counters.LockUntil, Valid: !counters.LockUntil.IsZero()}

		if gateErr != nil {
			opErr = gateErr
			// Commit so the counters survive the failed attempt.
			return nil
		}

		acc.Closed = true
		acc.ClosedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
		acc.ClosureSecretHash = sql.NullString{}

		return nil
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	logger.Log.Warn("account closed", zap.String("user_id", userID))

	return nil
}
