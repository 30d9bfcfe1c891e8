// Package withdrawal implements the payout authorization state machine.
//
// A request is created by debiting the user's balance, then advances
// through fee confirmation, PIN issuance and verification, and operator
// dispatch. Three independent channels drive it: the user, an operator
// console and the inbound payment-confirmation event, plus the periodic
// expiry sweeper. Every transition runs inside the store's per-request
// atomic scope, so racing callers always act on a fresh state.
package withdrawal

import (
	"context"
	"database/sql"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/logger"
	"github.com/nbvehbq/go-payout-service/internal/metrics"
	"github.com/nbvehbq/go-payout-service/internal/model"
	"github.com/nbvehbq/go-payout-service/internal/pingate"
	"github.com/nbvehbq/go-payout-service/internal/secret"
	"github.com/nbvehbq/go-payout-service/internal/storage"
)

const (
	// MinimumAmount is the smallest withdrawal the platform accepts.
	MinimumAmount int64 = 30000

	// FeeAmount is the flat processing fee that unlocks PIN issuance.
	FeeAmount int64 = 7000

	// FeeWindow is how long a request may wait for fee confirmation.
	FeeWindow = 15 * time.Minute

	// pinIssueRetries bounds regeneration on a live-PIN collision.
	pinIssueRetries = 5
)

type Service struct {
	storage    storage.Storage
	secrets    secret.Generator
	clock      clock.Clock
	gate       pingate.Gate
	feeAccount model.Destination
}

// NewService wires the state machine to its collaborators. feeAccount is
// the platform collection account surfaced by PaymentInstructions.
func NewService(st storage.Storage, gen secret.Generator, clk clock.Clock, feeAccount model.Destination) *Service {
	return &Service{
		storage:    st,
		secrets:    gen,
		clock:      clk,
		gate:       pingate.Default(),
		feeAccount: feeAccount,
	}
}

// CreateRequest opens a withdrawal for userID, debiting amount from the
// balance in the same atomic scope that enforces one active request per
// user.
func (s *Service) CreateRequest(ctx context.Context, userID string, amount int64, dest model.Destination) (string, error) {
	if amount < MinimumAmount {
		return "", ErrMinimumNotMet
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", errors.Wrap(err, "new request id")
	}

	now := s.clock.Now()
	req := &model.WithdrawalRequest{
		ID:              "wr_" + id,
		UserID:          userID,
		RequestedAmount: amount,
		FeeAmount:       FeeAmount,
		State:           model.StatePendingFee,
		Destination:     dest,
		CreatedAt:       now,
		FeeDeadline:     now.Add(FeeWindow),
	}

	if err := s.storage.CreateRequest(ctx, req); err != nil {
		return "", err
	}

	metrics.Transitions.WithLabelValues("", string(model.StatePendingFee), string(model.TriggerUser)).Inc()
	logger.Log.Info("withdrawal request created",
		zap.String("request_id", req.ID),
		zap.String("user_id", userID),
		zap.Int64("amount", amount))

	return req.ID, nil
}

// SubmitPaymentProof records the user's fee-payment proof and moves the
// request into manual review.
func (s *Service) SubmitPaymentProof(ctx context.Context, requestID, userID, proofRef string) error {
	var opErr error
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()
		if req.UserID != userID {
			return ErrWrongOwner
		}

		expired, err := s.expireIfDue(ctx, tx, model.TriggerUser, userID)
		if err != nil {
			return err
		}
		if expired {
			opErr = ErrExpired
			return nil
		}

		if req.State != model.StatePendingFee {
			return s.stateError(req.State, "submit payment proof")
		}

		req.ProofRef = sql.NullString{String: proofRef, Valid: true}
		req.State = model.StateFeeUnderReview
		tx.Audit(model.StatePendingFee, model.TriggerUser, userID)

		return nil
	})
	if err != nil {
		return err
	}
	if opErr == nil {
		metrics.Transitions.WithLabelValues(string(model.StatePendingFee), string(model.StateFeeUnderReview), string(model.TriggerUser)).Inc()
	}

	return opErr
}

// ConfirmPaymentEvent applies an external payment confirmation. The
// first confirmation to land issues the PIN; replays with the same
// external reference are idempotent no-ops.
func (s *Service) ConfirmPaymentEvent(ctx context.Context, externalRef, requestID string, amount int64) error {
	var opErr error
	var from model.State
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()

		switch req.State {
		case model.StatePendingFee, model.StateFeeUnderReview:
			expired, err := s.expireIfDue(ctx, tx, model.TriggerPaymentEvent, externalRef)
			if err != nil {
				return err
			}
			if expired {
				opErr = ErrExpired
				return nil
			}
			if amount != req.FeeAmount {
				return ErrAmountMismatch
			}

			from = req.State
			req.ExternalPaymentRef = sql.NullString{String: externalRef, Valid: true}
			if err := s.issuePin(ctx, tx); err != nil {
				return err
			}
			tx.Audit(from, model.TriggerPaymentEvent, externalRef)
			return nil

		case model.StatePinIssued:
			// Reconciliation no-op: the fee is already confirmed, by this
			// very event or by an operator racing it. Keep the correlation
			// reference if the operator path got there first.
			if !req.ExternalPaymentRef.Valid {
				req.ExternalPaymentRef = sql.NullString{String: externalRef, Valid: true}
			}
			return nil

		case model.StateExpired:
			return ErrExpired

		default:
			// Late webhook replays for a payment we already honored are
			// acknowledged; anything else is a real conflict.
			if req.ExternalPaymentRef.Valid && req.ExternalPaymentRef.String == externalRef {
				return nil
			}
			return illegal(req.State, "confirm fee payment")
		}
	})
	if err != nil {
		if errors.Is(err, storage.ErrRequestNotFound) {
			return ErrNoMatch
		}
		return err
	}
	if opErr == nil && from != "" {
		metrics.Transitions.WithLabelValues(string(from), string(model.StatePinIssued), string(model.TriggerPaymentEvent)).Inc()
		logger.Log.Info("pin issued",
			zap.String("request_id", requestID),
			zap.String("trigger", string(model.TriggerPaymentEvent)))
	}

	return opErr
}

// OperatorApprove is the manual counterpart of ConfirmPaymentEvent:
// approving the submitted proof issues the PIN. Approving a request
// whose PIN is already issued confirms idempotently.
func (s *Service) OperatorApprove(ctx context.Context, requestID, operatorID string) error {
	var opErr error
	var from model.State
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()

		switch req.State {
		case model.StatePendingFee, model.StateFeeUnderReview:
			expired, err := s.expireIfDue(ctx, tx, model.TriggerOperator, operatorID)
			if err != nil {
				return err
			}
			if expired {
				opErr = ErrExpired
				return nil
			}

			from = req.State
			if err := s.issuePin(ctx, tx); err != nil {
				return err
			}
			tx.Audit(from, model.TriggerOperator, operatorID)
			return nil

		case model.StatePinIssued:
			return nil

		case model.StateExpired:
			return ErrExpired

		default:
			return illegal(req.State, "approve fee payment")
		}
	})
	if err != nil {
		return err
	}
	if opErr == nil && from != "" {
		metrics.Transitions.WithLabelValues(string(from), string(model.StatePinIssued), string(model.TriggerOperator)).Inc()
		logger.Log.Info("pin issued",
			zap.String("request_id", requestID),
			zap.String("operator_id", operatorID))
	}

	return opErr
}

// VerifyPin runs one verification attempt through the shared gate. A
// match consumes the secret and confirms the request; mismatches advance
// the lockout counters even though the call fails.
func (s *Service) VerifyPin(ctx context.Context, requestID, userID, submittedPin string) error {
	var opErr error
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()
		if req.UserID != userID {
			return ErrWrongOwner
		}

		expired, err := s.expireIfDue(ctx, tx, model.TriggerUser, userID)
		if err != nil {
			return err
		}
		if expired {
			opErr = ErrExpired
			return nil
		}

		if req.State != model.StatePinIssued {
			return s.stateError(req.State, "verify pin")
		}

		counters := pingate.Counters{Attempts: req.PinAttempts}
		if req.PinLockUntil.Valid {
			counters.LockUntil = req.PinLockUntil.Time
		}

		stored := pingate.Normalize(req.PinSecret.String)
		counters, gateErr := s.gate.Verify(s.clock.Now(), submittedPin, func(normalized string) bool {
			return normalized == stored
		}, counters)

		req.PinAttempts = counters.Attempts
		req.PinLockUntil = sql.NullTime{Time: counters.LockUntil, Valid: !counters.LockUntil.IsZero()}

		if gateErr != nil {
			var locked *pingate.LockedError
			switch {
			case errors.As(gateErr, &locked):
				opErr = gateErr
			default:
				opErr = ErrInvalidPin
			}
			metrics.PinFailures.Inc()
			// Commit so the counters survive the failed attempt.
			return nil
		}

		// Single use: the secret is gone the moment it matches.
		req.PinSecret = sql.NullString{}
		req.State = model.StatePinConfirmed
		req.PinConfirmedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
		tx.Audit(model.StatePinIssued, model.TriggerUser, userID)

		return nil
	})
	if err != nil {
		return err
	}
	if opErr == nil {
		metrics.Transitions.WithLabelValues(string(model.StatePinIssued), string(model.StatePinConfirmed), string(model.TriggerUser)).Inc()
		logger.Log.Info("pin confirmed", zap.String("request_id", requestID))
	}

	return opErr
}

// OperatorMarkDispatched records that the payout was handed to the
// banking partner.
func (s *Service) OperatorMarkDispatched(ctx context.Context, requestID, operatorID string) error {
	return s.operatorTransition(ctx, requestID, operatorID, "mark dispatched",
		model.StatePinConfirmed, model.StateProcessing, nil)
}

// OperatorMarkCompleted records that the funds landed.
func (s *Service) OperatorMarkCompleted(ctx context.Context, requestID, operatorID string) error {
	return s.operatorTransition(ctx, requestID, operatorID, "mark completed",
		model.StateProcessing, model.StateCompleted, func(req *model.WithdrawalRequest) {
			req.CompletedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
		})
}

// OperatorMarkFailed cancels the request and refunds the requested
// amount. It is legal from PinIssued (fraud cancel) and Processing (the
// payout bounced) only; this is the sole late-stage refund path.
func (s *Service) OperatorMarkFailed(ctx context.Context, requestID, operatorID, reason string) error {
	var from model.State
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()

		switch req.State {
		case model.StatePinIssued, model.StateProcessing:
		case model.StateExpired:
			return ErrExpired
		default:
			return illegal(req.State, "mark failed")
		}

		if err := tx.Credit(ctx, req.RequestedAmount); err != nil {
			return err
		}

		from = req.State
		req.State = model.StateFailed
		req.PinSecret = sql.NullString{}
		tx.Audit(from, model.TriggerOperator, operatorID)

		return nil
	})
	if err != nil {
		return err
	}

	metrics.Transitions.WithLabelValues(string(from), string(model.StateFailed), string(model.TriggerOperator)).Inc()
	logger.Log.Warn("withdrawal failed by operator",
		zap.String("request_id", requestID),
		zap.String("operator_id", operatorID),
		zap.String("reason", reason))

	return nil
}

// Expire drives the timeout transition. It is the sweeper's entry point
// and safe to race with interactive callers: a request that already
// advanced or expired is left alone.
func (s *Service) Expire(ctx context.Context, requestID string) error {
	var expired bool
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		var err error
		expired, err = s.expireIfDue(ctx, tx, model.TriggerSweeper, "sweeper")
		return err
	})
	if err != nil {
		return err
	}
	if expired {
		logger.Log.Info("withdrawal expired", zap.String("request_id", requestID))
	}

	return nil
}

// Snapshot is the caller-facing view of a request. It flags PIN presence
// but never carries the secret itself.
type Snapshot struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	State           model.State       `json:"state"`
	RequestedAmount int64             `json:"requested_amount"`
	FeeAmount       int64             `json:"fee_amount"`
	Destination     model.Destination `json:"destination"`
	CreatedAt       time.Time         `json:"created_at"`
	FeeDeadline     time.Time         `json:"fee_deadline"`
	PinPresent      bool              `json:"pin_present"`
	PinIssuedAt     time.Time         `json:"pin_issued_at,omitempty"`
	PinConfirmedAt  time.Time         `json:"pin_confirmed_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
}

func snapshotOf(req *model.WithdrawalRequest) Snapshot {
	snap := Snapshot{
		ID:              req.ID,
		UserID:          req.UserID,
		State:           req.State,
		RequestedAmount: req.RequestedAmount,
		FeeAmount:       req.FeeAmount,
		Destination:     req.Destination,
		CreatedAt:       req.CreatedAt,
		FeeDeadline:     req.FeeDeadline,
		PinPresent:      req.PinSecret.Valid,
	}
	if req.PinIssuedAt.Valid {
		snap.PinIssuedAt = req.PinIssuedAt.Time
	}
	if req.PinConfirmedAt.Valid {
		snap.PinConfirmedAt = req.PinConfirmedAt.Time
	}
	if req.CompletedAt.Valid {
		snap.CompletedAt = req.CompletedAt.Time
	}

	return snap
}

// GetRequest returns the owner's view of a request. Accessing a request
// past its fee deadline forces the expiry transition first, so the
// balance is never silently stuck.
func (s *Service) GetRequest(ctx context.Context, requestID, callerID string) (Snapshot, error) {
	req, err := s.storage.GetRequest(ctx, requestID)
	if err != nil {
		return Snapshot{}, err
	}
	if req.UserID != callerID {
		return Snapshot{}, ErrWrongOwner
	}

	if s.feeOverdue(req) {
		if err := s.Expire(ctx, requestID); err != nil {
			return Snapshot{}, err
		}
		if req, err = s.storage.GetRequest(ctx, requestID); err != nil {
			return Snapshot{}, err
		}
	}

	return snapshotOf(req), nil
}

// ListUserRequests returns the user's withdrawal history, newest first.
func (s *Service) ListUserRequests(ctx context.Context, userID string) ([]Snapshot, error) {
	list, err := s.storage.ListUserRequests(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(list))
	for i := range list {
		out = append(out, snapshotOf(&list[i]))
	}

	return out, nil
}

// History returns the request's append-only transition log.
func (s *Service) History(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	if _, err := s.storage.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}

	return s.storage.ListAudit(ctx, requestID)
}

// Instructions tells the user where and how much to pay the fee.
type Instructions struct {
	Account  model.Destination `json:"account"`
	Amount   int64             `json:"amount"`
	Deadline time.Time         `json:"deadline"`
}

// PaymentInstructions returns fee-payment details for a request still
// waiting on its fee.
func (s *Service) PaymentInstructions(ctx context.Context, requestID, userID string) (Instructions, error) {
	req, err := s.storage.GetRequest(ctx, requestID)
	if err != nil {
		return Instructions{}, err
	}
	if req.UserID != userID {
		return Instructions{}, ErrWrongOwner
	}

	if s.feeOverdue(req) {
		if err := s.Expire(ctx, requestID); err != nil {
			return Instructions{}, err
		}
		return Instructions{}, ErrExpired
	}

	if req.State != model.StatePendingFee && req.State != model.StateFeeUnderReview {
		return Instructions{}, s.stateError(req.State, "fetch payment instructions")
	}

	return Instructions{
		Account:  s.feeAccount,
		Amount:   req.FeeAmount,
		Deadline: req.FeeDeadline,
	}, nil
}

// expireIfDue forces the expiry transition when the request is still
// waiting on its fee past the deadline. Must run inside the atomic
// scope. Reports whether it expired the request.
func (s *Service) expireIfDue(ctx context.Context, tx storage.RequestTx, trigger model.Trigger, actor string) (bool, error) {
	req := tx.Request()
	if !s.feeOverdue(req) {
		return false, nil
	}

	// No PIN exists yet in these states, so the refund is unconditional.
	if err := tx.Credit(ctx, req.RequestedAmount); err != nil {
		return false, err
	}

	from := req.State
	req.State = model.StateExpired
	tx.Audit(from, trigger, actor)
	metrics.Transitions.WithLabelValues(string(from), string(model.StateExpired), string(trigger)).Inc()

	return true, nil
}

func (s *Service) feeOverdue(req *model.WithdrawalRequest) bool {
	if req.State != model.StatePendingFee && req.State != model.StateFeeUnderReview {
		return false
	}
	return s.clock.Now().After(req.FeeDeadline)
}

// issuePin generates a fresh secret, regenerating on collision with any
// live request's PIN, and moves the request to PinIssued.
func (s *Service) issuePin(ctx context.Context, tx storage.RequestTx) error {
	req := tx.Request()

	for i := 0; i < pinIssueRetries; i++ {
		pin, err := s.secrets.New(secret.Withdrawal)
		if err != nil {
			return errors.Wrap(err, "generate pin")
		}

		inUse, err := tx.PinInUse(ctx, pin)
		if err != nil {
			return err
		}
		if inUse {
			continue
		}

		now := s.clock.Now()
		req.PinSecret = sql.NullString{String: pin, Valid: true}
		req.PinIssuedAt = sql.NullTime{Time: now, Valid: true}
		req.PinAttempts = 0
		req.PinLockUntil = sql.NullTime{}
		req.State = model.StatePinIssued

		return nil
	}

	return errors.New("pin generation retries exhausted")
}

func (s *Service) operatorTransition(ctx context.Context, requestID, operatorID, action string, from, to model.State, mutate func(*model.WithdrawalRequest)) error {
	err := s.storage.UpdateRequest(ctx, requestID, func(ctx context.Context, tx storage.RequestTx) error {
		req := tx.Request()
		if req.State != from {
			return s.stateError(req.State, action)
		}

		req.State = to
		if mutate != nil {
			mutate(req)
		}
		tx.Audit(from, model.TriggerOperator, operatorID)

		return nil
	})
	if err != nil {
		return err
	}

	metrics.Transitions.WithLabelValues(string(from), string(to), string(model.TriggerOperator)).Inc()
	logger.Log.Info("operator transition",
		zap.String("request_id", requestID),
		zap.String("operator_id", operatorID),
		zap.String("to", string(to)))

	return nil
}

// stateError distinguishes "this request already timed out" from a
// plain illegal transition.
func (s *Service) stateError(state model.State, action string) error {
	if state == model.StateExpired {
		return ErrExpired
	}
	return illegal(state, action)
}
