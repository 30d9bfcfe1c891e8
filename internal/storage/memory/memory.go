// Package memory is an in-memory Storage implementation with the same
// atomicity semantics as the postgres one. It backs the unit suites and
// local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/storage"
)

type Storage struct {
	mu       sync.Mutex
	clock    clock.Clock
	accounts map[string]*model.Account
	requests map[string]*model.WithdrawalRequest
	audits   []model.AuditEntry
	reviews  []model.ReviewItem
}

func NewStorage(clk clock.Clock) *Storage {
	return &Storage{
		clock:    clk,
		accounts: make(map[string]*model.Account),
		requests: make(map[string]*model.WithdrawalRequest),
	}
}

func (s *Storage) CreateRequest(ctx context.Context, req *model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[req.UserID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	if acc.Closed {
		return storage.ErrAccountClosed
	}
	if acc.Balance < req.RequestedAmount {
		return storage.ErrBalanceInsufficient
	}

	for _, r := range s.requests {
		if r.UserID == req.UserID && r.State.Active() {
			return storage.ErrActiveRequestExists
		}
	}

	acc.Balance -= req.RequestedAmount

	clone := *req
	s.requests[req.ID] = &clone
	s.appendAudit(req.ID, "", req.State, model.TriggerUser, req.UserID)

	return nil
}

func (s *Storage) GetRequest(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrRequestNotFound
	}

	clone := *req
	return &clone, nil
}

func (s *Storage) UpdateRequest(ctx context.Context, id string, fn storage.UpdateFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return storage.ErrRequestNotFound
	}

	// Work on a copy so a failing fn leaves the stored request intact.
	clone := *req
	tx := &requestTx{store: s, req: &clone}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if tx.delta != 0 {
		s.accounts[clone.UserID].Balance += tx.delta
	}
	for _, a := range tx.audits {
		s.appendAudit(clone.ID, a.from, clone.State, a.trigger, a.actor)
	}
	s.requests[id] = &clone

	return nil
}

func (s *Storage) ListUserRequests(ctx context.Context, userID string) ([]model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.WithdrawalRequest
	for _, r := range s.requests {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	return out, nil
}

func (s *Storage) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, r := range s.requests {
		if len(ids) >= limit {
			break
		}
		if (r.State == model.StatePendingFee || r.State == model.StateFeeUnderReview) &&
			now.After(r.FeeDeadline) {
			ids = append(ids, r.ID)
		}
	}

	return ids, nil
}

func (s *Storage) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.AuditEntry
	for _, a := range s.audits {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}

	return out, nil
}

func (s *Storage) CreateAccount(ctx context.Context, id string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; ok {
		return storage.ErrAccountExists
	}
	s.accounts[id] = &model.Account{ID: id, Balance: balance}

	return nil
}

func (s *Storage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}

	clone := *acc
	return &clone, nil
}

func (s *Storage) UpdateAccount(ctx context.Context, id string, fn func(*model.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return storage.ErrAccountNotFound
	}

	clone := *acc
	if err := fn(&clone); err != nil {
		return err
	}
	s.accounts[id] = &clone

	return nil
}

func (s *Storage) EnqueueReview(ctx context.Context, requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	s.reviews = append(s.reviews, model.ReviewItem{
		ID:        id,
		RequestID: requestID,
		Reason:    reason,
		At:        s.clock.Now(),
	})

	return nil
}

func (s *Storage) ListReview(ctx context.Context) ([]model.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ReviewItem, len(s.reviews))
	copy(out, s.reviews)

	return out, nil
}

// appendAudit must be called with s.mu held.
func (s *Storage) appendAudit(requestID string, from, to model.State, trigger model.Trigger, actor string) {
	id, _ := gonanoid.New()
	s.audits = append(s.audits, model.AuditEntry{
		ID:        id,
		RequestID: requestID,
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Actor:     actor,
		At:        s.clock.Now(),
	})
}

type pendingAudit struct {
	from    model.State
	trigger model.Trigger
	actor   string
}

// requestTx buffers ledger deltas and audit entries until the update
// function succeeds, then the store applies them under its lock.
type requestTx struct {
	store  *Storage
	req    *model.WithdrawalRequest
	delta  int64
	audits []pendingAudit
}

func (t *requestTx) Request() *model.WithdrawalRequest { return t.req }

func (t *requestTx) Credit(ctx context.Context, amount int64) error {
	t.delta += amount
	return nil
}

func (t *requestTx) Debit(ctx context.Context, amount int64) error {
	acc, ok := t.store.accounts[t.req.UserID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	if acc.Balance+t.delta-amount < 0 {
		return storage.ErrBalanceInsufficient
	}
	t.delta -= amount

	return nil
}

func (t *requestTx) PinInUse(ctx context.Context, pin string) (bool, error) {
	for _, r := range t.store.requests {
		if r.State.Active() && r.PinSecret.Valid && r.PinSecret.String == pin {
			return true, nil
		}
	}

	return false, nil
}

func (t *requestTx) Audit(from model.State, trigger model.Trigger, actor string) {
	t.audits = append(t.audits, pendingAudit{from: from, trigger: trigger, actor: actor})
}
