package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/secret"
	"github.com/nbvehbq/go-payout-service/internal/storage/memory"
	"github.com/nbvehbq/go-payout-service/internal/sweeper"
	"github.com/nbvehbq/go-payout-service/internal/withdrawal"
)

var sweepStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var dest = model.Destination{
	AccountName:   "Ada O.",
	AccountNumber: "0123456789",
	BankName:      "GTBank",
}

func newSweepEnv(t *testing.T) (*sweeper.Sweeper, *withdrawal.Service, *memory.Storage, *clock.Manual) {
	t.Helper()

	clk := clock.NewManual(sweepStart)
	store := memory.NewStorage(clk)
	svc := withdrawal.NewService(store, secret.NewGenerator(), clk, model.Destination{})
	sw := sweeper.NewSweeper(store, svc, clk, 0, 0)

	return sw, svc, store, clk
}

func seedRequest(t *testing.T, svc *withdrawal.Service, store *memory.Storage, userID string) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, userID, 80000))
	id, err := svc.CreateRequest(ctx, userID, 50000, dest)
	require.NoError(t, err)

	return id
}

func TestSweepExpiresOverdueRequests(t *testing.T) {
	ctx := context.Background()
	sw, svc, store, clk := newSweepEnv(t)

	overdue := seedRequest(t, svc, store, "u1")
	fresh := seedRequest(t, svc, store, "u2")

	// Confirm u2's fee before the deadline so only u1 is due.
	require.NoError(t, svc.ConfirmPaymentEvent(ctx, "flw-2", fresh, withdrawal.FeeAmount))

	clk.Advance(16 * time.Minute)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := store.GetRequest(ctx, overdue)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, req.State)

	req, err = store.GetRequest(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, model.StatePinIssued, req.State)

	acc, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 80000, acc.Balance)
}

func TestSweepNothingDue(t *testing.T) {
	ctx := context.Background()
	sw, svc, store, _ := newSweepEnv(t)

	seedRequest(t, svc, store, "u1")

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sw, svc, store, clk := newSweepEnv(t)

	seedRequest(t, svc, store, "u1")
	clk.Advance(16 * time.Minute)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	acc, err := store.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 80000, acc.Balance)
}

func TestSweepHonorsBatchLimit(t *testing.T) {
	ctx := context.Background()

	clk := clock.NewManual(sweepStart)
	store := memory.NewStorage(clk)
	svc := withdrawal.NewService(store, secret.NewGenerator(), clk, model.Destination{})
	sw := sweeper.NewSweeper(store, svc, clk, time.Minute, 2)

	for _, u := range []string{"u1", "u2", "u3"} {
		seedRequest(t, svc, store, u)
	}
	clk.Advance(16 * time.Minute)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingStore struct {
	*memory.Storage
	listErr error
}

func (f *failingStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Storage.ListExpirable(ctx, now, limit)
}

func TestSweepListError(t *testing.T) {
	clk := clock.NewManual(sweepStart)
	store := &failingStore{
		Storage: memory.NewStorage(clk),
		listErr: errors.New("connection refused"),
	}
	svc := withdrawal.NewService(store.Storage, secret.NewGenerator(), clk, model.Destination{})
	sw := sweeper.NewSweeper(store, svc, clk, time.Minute, 10)

	_, err := sw.Sweep(context.Background())
	assert.Error(t, err)
}

type brokenExpirer struct{ err error }

func (b *brokenExpirer) Expire(ctx context.Context, requestID string) error { return b.err }

func TestSweepParksFailuresForReview(t *testing.T) {
	ctx := context.Background()

	clk := clock.NewManual(sweepStart)
	store := memory.NewStorage(clk)
	svc := withdrawal.NewService(store, secret.NewGenerator(), clk, model.Destination{})

	id := seedRequest(t, svc, store, "u1")
	clk.Advance(16 * time.Minute)

	sw := sweeper.NewSweeper(store, &brokenExpirer{err: errors.New("refund failed")}, clk, time.Minute, 10)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	items, err := store.ListReview(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].RequestID)
	assert.Equal(t, "refund failed", items[0].Reason)
}

func TestRunStopsOnCancel(t *testing.T) {
	sw, _, _, _ := newSweepEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	sw.Run(ctx)
	cancel()
	// Nothing to assert beyond the goroutine exiting without panicking.
}
