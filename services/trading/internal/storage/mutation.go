package storage

import (
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// applyMutation computes the account state after req and the transaction that
// records it. Both stores call it while holding the account lock.
func applyMutation(acct Account, req MutationRequest, now time.Time) (Account, Transaction, error) {
	if err := validateMutation(req); err != nil {
		return acct, Transaction{}, err
	}

	var before, after decimal.Decimal
	switch req.Type.Bucket() {
	case BucketBonus:
		before = acct.BalanceBonus
		after = before.Add(req.Amount)
		if after.IsNegative() && !req.AllowNegative {
			return acct, Transaction{}, apperr.ErrInsufficientFunds
		}
		acct.BalanceBonus = after
	default:
		locked := acct.BalanceLocked.Add(req.LockDelta)
		if locked.IsNegative() {
			return acct, Transaction{}, apperr.Invalid("release of %s exceeds locked balance %s", req.LockDelta.Neg(), acct.BalanceLocked)
		}
		before = acct.BalanceAvailable
		after = before.Add(req.Amount).Sub(req.LockDelta)
		if after.IsNegative() && !req.AllowNegative {
			return acct, Transaction{}, apperr.ErrInsufficientFunds
		}
		acct.BalanceAvailable = after
		acct.BalanceLocked = locked
	}

	switch req.Type {
	case MutationDeposit:
		acct.TotalDeposited = acct.TotalDeposited.Add(req.Amount)
	case MutationWithdrawal:
		acct.TotalWithdrawn = acct.TotalWithdrawn.Add(req.Amount.Neg())
	}
	acct.UpdatedAt = now

	return acct, Transaction{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Type:           req.Type,
		Amount:         req.Amount,
		LockDelta:      req.LockDelta,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Description:    req.Description,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}, nil
}

func validateMutation(req MutationRequest) error {
	if req.UserID == uuid.Nil {
		return apperr.Invalid("user_id is required")
	}
	if !req.Type.Valid() {
		return apperr.Invalid("unknown mutation type %q", req.Type)
	}
	if req.Amount.IsZero() && req.LockDelta.IsZero() {
		return apperr.Invalid("amount must be non-zero")
	}

	switch req.Type {
	case MutationDeposit, MutationBonus, MutationTierBonus, MutationReferralBonus:
		if !req.Amount.IsPositive() {
			return apperr.Invalid("%s amount must be positive", req.Type)
		}
	case MutationWithdrawal, MutationFee:
		if !req.Amount.IsNegative() {
			return apperr.Invalid("%s amount must be negative", req.Type)
		}
	case MutationTradeOpen:
		if req.Amount.IsPositive() {
			return apperr.Invalid("trade_open amount must not be positive")
		}
	}

	if !req.LockDelta.IsZero() {
		switch req.Type {
		case MutationTradeOpen, MutationTradeClose, MutationReversal:
		default:
			return apperr.Invalid("%s cannot move locked funds", req.Type)
		}
	}
	return nil
}
