package memory_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/storage"
	"github.com/nbvehbq/go-payout-service/internal/storage/memory"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*memory.Storage, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(start)
	return memory.NewStorage(clk), clk
}

func seedRequest(t *testing.T, st *memory.Storage, id, userID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.CreateAccount(ctx, userID, 100000))
	require.NoError(t, st.CreateRequest(ctx, &model.WithdrawalRequest{
		ID:              id,
		UserID:          userID,
		RequestedAmount: 50000,
		FeeAmount:       7000,
		State:           model.StatePendingFee,
		CreatedAt:       start,
		FeeDeadline:     start.Add(15 * time.Minute),
	}))
}

func TestCreateAccountDuplicate(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)

	require.NoError(t, st.CreateAccount(ctx, "u1", 1000))
	assert.ErrorIs(t, st.CreateAccount(ctx, "u1", 1000), storage.ErrAccountExists)
}

func TestFailedUpdateLeavesRequestIntact(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	seedRequest(t, st, "wr_1", "u1")

	boom := errors.New("boom")
	err := st.UpdateRequest(ctx, "wr_1", func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()
		req.State = model.StateCompleted
		if err := tx.Credit(ctx, 50000); err != nil {
			return err
		}
		tx.Audit(model.StatePendingFee, model.TriggerOperator, "op1")
		return boom
	})
	require.ErrorIs(t, err, boom)

	// State, balance and audit log all roll back with the update.
	req, err := st.GetRequest(ctx, "wr_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingFee, req.State)

	acc, err := st.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 50000, acc.Balance)

	audit, err := st.ListAudit(ctx, "wr_1")
	require.NoError(t, err)
	assert.Len(t, audit, 1) // creation entry only
}

func TestDebitWithinUpdateRespectsBalance(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	seedRequest(t, st, "wr_1", "u1")

	err := st.UpdateRequest(ctx, "wr_1", func(ctx context.Context, tx storage.RequestTx) error {
		return tx.Debit(ctx, 60000)
	})
	assert.ErrorIs(t, err, storage.ErrBalanceInsufficient)

	err = st.UpdateRequest(ctx, "wr_1", func(ctx context.Context, tx storage.RequestTx) error {
		return tx.Debit(ctx, 50000)
	})
	require.NoError(t, err)

	acc, err := st.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, acc.Balance)
}

func TestPinInUseSeesLiveRequestsOnly(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)
	seedRequest(t, st, "wr_1", "u1")
	seedRequest(t, st, "wr_2", "u2")

	setPin := func(id string, state model.State, pin string) {
		require.NoError(t, st.UpdateRequest(ctx, id, func(ctx context.Context, tx storage.RequestTx) error {
			req := tx.Request()
			req.State = state
			req.PinSecret = sql.NullString{String: pin, Valid: true}
			return nil
		}))
	}

	setPin("wr_1", model.StatePinIssued, "AAAA-AAAA-AAAA-AAAA")

	err := st.UpdateRequest(ctx, "wr_2", func(ctx context.Context, tx storage.RequestTx) error {
		inUse, err := tx.PinInUse(ctx, "AAAA-AAAA-AAAA-AAAA")
		require.NoError(t, err)
		assert.True(t, inUse)
		return nil
	})
	require.NoError(t, err)

	// A terminal request releases its PIN for reuse.
	setPin("wr_1", model.StateFailed, "AAAA-AAAA-AAAA-AAAA")

	err = st.UpdateRequest(ctx, "wr_2", func(ctx context.Context, tx storage.RequestTx) error {
		inUse, err := tx.PinInUse(ctx, "AAAA-AAAA-AAAA-AAAA")
		require.NoError(t, err)
		assert.False(t, inUse)
		return nil
	})
	require.NoError(t, err)
}

func TestListExpirable(t *testing.T) {
	ctx := context.Background()
	st, clk := newStore(t)
	seedRequest(t, st, "wr_1", "u1")

	ids, err := st.ListExpirable(ctx, clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = st.ListExpirable(ctx, clk.Now().Add(16*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"wr_1"}, ids)
}

func TestUpdateUnknownRequest(t *testing.T) {
	st, _ := newStore(t)

	err := st.UpdateRequest(context.Background(), "wr_missing", func(ctx context.Context, tx storage.RequestTx) error {
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrRequestNotFound)
}

func TestReviewQueue(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t)

	require.NoError(t, st.EnqueueReview(ctx, "wr_1", "refund failed"))
	require.NoError(t, st.EnqueueReview(ctx, "wr_2", "stuck"))

	items, err := st.ListReview(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "wr_1", items[0].RequestID)
	assert.Equal(t, "refund failed", items[0].Reason)
}
