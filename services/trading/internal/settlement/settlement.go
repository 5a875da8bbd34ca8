// Package settlement runs the multi-step money workflows built on the ledger:
// tier purchase approval and the referral reward it may trigger.
//
// The primary effect of a workflow commits on its own. Secondary rewards are
// written to the outbox in the same store transaction as the primary state
// change and delivered by Relay, so a failure after the commit delays a reward
// but never loses it.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName     = "trading/settlement"
	amountScale    = 8
	tierBonusKey   = "tier-bonus:"
	referralKey    = "referral:"
	defaultTopic   = "referral.rewards"
	approvedBySelf = "system"
)

var hundred = decimal.NewFromInt(100)

type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (storage.User, error)
	MarkReferralRewarded(ctx context.Context, userID uuid.UUID, at time.Time) error
	CreateTierPurchase(ctx context.Context, p storage.TierPurchase) error
	GetTierPurchase(ctx context.Context, id uuid.UUID) (storage.TierPurchase, error)
	CompleteTierApproval(ctx context.Context, a storage.TierApproval) (storage.TierApprovalResult, error)
}

// Ledger is the slice of ledger.Service the workflows credit through.
type Ledger interface {
	ApplyWithRetry(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error)
}

type Tiers interface {
	Tier(name string) (storage.Tier, bool)
}

type Options struct {
	ReferralTopic string
	// ReferralFixed, when positive, is paid per referral instead of
	// ReferralPercent of the purchase amount.
	ReferralFixed   decimal.Decimal
	ReferralPercent decimal.Decimal
}

type Service struct {
	store   Store
	ledger  Ledger
	tiers   Tiers
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewService(store Store, ledger Ledger, tiers Tiers, logger *slog.Logger, metrics *Metrics, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(opts.ReferralTopic) == "" {
		opts.ReferralTopic = defaultTopic
	}
	return &Service{
		store:   store,
		ledger:  ledger,
		tiers:   tiers,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Purchase records a pending purchase of tier at its catalog price.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, tierName string) (storage.TierPurchase, error) {
	if userID == uuid.Nil {
		return storage.TierPurchase{}, apperr.Invalid("user_id is required")
	}
	tier, ok := s.tiers.Tier(tierName)
	if !ok {
		return storage.TierPurchase{}, apperr.Invalid("unknown tier %q", tierName)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return storage.TierPurchase{}, fmt.Errorf("load user: %w", err)
	}
	p := storage.TierPurchase{
		ID:        uuid.New(),
		UserID:    userID,
		Tier:      tier.Name,
		Amount:    tier.Price,
		Status:    storage.PurchasePending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateTierPurchase(ctx, p); err != nil {
		return storage.TierPurchase{}, fmt.Errorf("create tier purchase: %w", err)
	}
	return p, nil
}

type ApprovalResult struct {
	Purchase        storage.TierPurchase
	AlreadyApproved bool
	FirstPurchase   bool
	ReferralQueued  bool
	Bonus           decimal.Decimal
	BonusTx         *storage.MutationResult
}

// Approve approves a purchase, switches the user's tier and credits the tier
// bonus. Approving twice is safe: the second call re-applies the bonus credit
// under the same idempotency key, which completes a bonus a crashed first call
// never wrote and is a replay otherwise.
func (s *Service) Approve(ctx context.Context, purchaseID uuid.UUID, approvedBy string) (res ApprovalResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "settlement.Approve",
		attribute.String("purchase.id", purchaseID.String()),
	)
	defer func() {
		s.metrics.incApproval(outcome(err, res.AlreadyApproved))
		trace.End(span, err)
	}()

	if strings.TrimSpace(approvedBy) == "" {
		approvedBy = approvedBySelf
	}
	p, err := s.store.GetTierPurchase(ctx, purchaseID)
	if err != nil {
		return res, fmt.Errorf("load tier purchase: %w", err)
	}
	if p.Status == storage.PurchaseRejected {
		return res, fmt.Errorf("%w: purchase %s was rejected", apperr.ErrInvalidState, p.ID)
	}
	tier, ok := s.tiers.Tier(p.Tier)
	if !ok {
		return res, apperr.Invalid("unknown tier %q", p.Tier)
	}
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return res, fmt.Errorf("load user: %w", err)
	}

	approval := storage.TierApproval{
		PurchaseID: p.ID,
		UserID:     p.UserID,
		Tier:       tier.Name,
		ApprovedBy: approvedBy,
		ApprovedAt: s.now(),
	}
	if user.ReferrerID != nil && *user.ReferrerID != user.ID {
		event, err := s.referralOutbox(p, *user.ReferrerID)
		if err != nil {
			return res, err
		}
		approval.Outbox = &event
	}

	done, err := s.store.CompleteTierApproval(ctx, approval)
	if err != nil {
		return res, fmt.Errorf("complete tier approval: %w", err)
	}
	res.AlreadyApproved = done.AlreadyApproved
	res.FirstPurchase = done.FirstPurchase
	res.ReferralQueued = done.OutboxEnqueued
	if done.OutboxEnqueued {
		s.metrics.incReferral("queued")
	}

	res.Bonus = p.Amount.Mul(tier.BonusPct).Div(hundred).Round(amountScale)
	if res.Bonus.IsPositive() {
		tx, err := s.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
			UserID:         p.UserID,
			Amount:         res.Bonus,
			Type:           storage.MutationTierBonus,
			Description:    fmt.Sprintf("%s tier bonus", tier.Name),
			ReferenceID:    p.ID.String(),
			IdempotencyKey: tierBonusKey + p.ID.String(),
		})
		if err != nil {
			// The approval is committed; a retried Approve completes the credit.
			s.logger.Error("tier bonus credit failed", "purchase_id", p.ID, "user_id", p.UserID, "error", err)
			return res, fmt.Errorf("credit tier bonus: %w", err)
		}
		res.BonusTx = &tx
	}

	if res.Purchase, err = s.store.GetTierPurchase(ctx, p.ID); err != nil {
		s.logger.Warn("reload approved purchase failed", "purchase_id", p.ID, "error", err)
		res.Purchase = p
		err = nil
	}
	s.logger.Info("tier purchase approved",
		"purchase_id", p.ID,
		"user_id", p.UserID,
		"tier", tier.Name,
		"bonus", res.Bonus,
		"already_approved", res.AlreadyApproved,
		"referral_queued", res.ReferralQueued,
	)
	return res, nil
}

func (s *Service) referralOutbox(p storage.TierPurchase, referrerID uuid.UUID) (storage.OutboxEvent, error) {
	event, err := NewReferralRewardEvent(referrerID, p)
	if err != nil {
		return storage.OutboxEvent{}, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return storage.OutboxEvent{}, fmt.Errorf("encode referral event: %w", err)
	}
	id, err := uuid.Parse(event.EventID)
	if err != nil {
		return storage.OutboxEvent{}, fmt.Errorf("referral event id: %w", err)
	}
	return storage.OutboxEvent{
		ID:      id,
		Topic:   s.opts.ReferralTopic,
		Key:     referrerID.String(),
		Payload: payload,
	}, nil
}

// ReferralAmount is what a referrer earns for a purchase of amount.
func (s *Service) ReferralAmount(amount decimal.Decimal) decimal.Decimal {
	if s.opts.ReferralFixed.IsPositive() {
		return s.opts.ReferralFixed
	}
	return amount.Mul(s.opts.ReferralPercent).Div(hundred).Round(amountScale)
}

func outcome(err error, replay bool) string {
	switch {
	case err != nil:
		return strings.ToLower(string(apperr.CodeOf(err)))
	case replay:
		return "replayed"
	}
	return "approved"
}
