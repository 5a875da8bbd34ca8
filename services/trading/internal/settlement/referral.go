package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/tradedesk/libs/kafka"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const ReferralRewardEventType = "referral.reward"

type ReferralRewardEvent struct {
	kafka.Envelope
	ReferrerID     string `json:"referrer_id"`
	ReferredUserID string `json:"referred_user_id"`
	PurchaseID     string `json:"purchase_id"`
	Tier           string `json:"tier"`
	PurchaseAmount string `json:"purchase_amount"`
}

// NewReferralRewardEvent builds the event for a user's first approved
// purchase. Its id depends only on the referred user, matching the one reward
// a user can ever trigger.
func NewReferralRewardEvent(referrerID uuid.UUID, p storage.TierPurchase) (ReferralRewardEvent, error) {
	eventID := kafka.DeterministicEventID(ReferralRewardEventType, p.UserID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, ReferralRewardEventType, 1, p.ID.String())
	if err != nil {
		return ReferralRewardEvent{}, err
	}
	return ReferralRewardEvent{
		Envelope:       env,
		ReferrerID:     referrerID.String(),
		ReferredUserID: p.UserID.String(),
		PurchaseID:     p.ID.String(),
		Tier:           p.Tier,
		PurchaseAmount: p.Amount.String(),
	}, nil
}

func (e *ReferralRewardEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != ReferralRewardEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if _, err := parseUUID(e.ReferrerID, "referrer_id"); err != nil {
		return err
	}
	if _, err := parseUUID(e.ReferredUserID, "referred_user_id"); err != nil {
		return err
	}
	if e.ReferrerID == e.ReferredUserID {
		return fmt.Errorf("referrer_id must differ from referred_user_id")
	}
	if _, err := parseUUID(e.PurchaseID, "purchase_id"); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(e.PurchaseAmount))
	if err != nil {
		return fmt.Errorf("purchase_amount must be decimal")
	}
	if amount.IsNegative() {
		return fmt.Errorf("purchase_amount must not be negative")
	}
	return nil
}

type RewardResult struct {
	Amount          decimal.Decimal
	AlreadyRewarded bool
	Tx              *storage.MutationResult
}

// RewardReferral credits the referrer once per referred user. The ledger key
// makes the credit exactly-once; the rewarded mark on the user is bookkeeping
// that lets redeliveries return early.
func (s *Service) RewardReferral(ctx context.Context, event ReferralRewardEvent) (RewardResult, error) {
	if err := event.Validate(); err != nil {
		return RewardResult{}, apperr.Invalid("%v", err)
	}
	referrerID, _ := parseUUID(event.ReferrerID, "referrer_id")
	referredID, _ := parseUUID(event.ReferredUserID, "referred_user_id")
	amount, _ := decimal.NewFromString(strings.TrimSpace(event.PurchaseAmount))

	referred, err := s.store.GetUser(ctx, referredID)
	if err != nil {
		return RewardResult{}, fmt.Errorf("load referred user: %w", err)
	}
	if referred.ReferralRewardedAt != nil {
		s.metrics.incReferral("replayed")
		return RewardResult{AlreadyRewarded: true}, nil
	}

	res := RewardResult{Amount: s.ReferralAmount(amount)}
	if res.Amount.IsPositive() {
		tx, err := s.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
			UserID:         referrerID,
			Amount:         res.Amount,
			Type:           storage.MutationReferralBonus,
			Description:    fmt.Sprintf("referral reward for %s", referredID),
			ReferenceID:    event.PurchaseID,
			IdempotencyKey: referralKey + referredID.String(),
		})
		if err != nil {
			s.metrics.incReferral("failed")
			return RewardResult{}, fmt.Errorf("credit referral bonus: %w", err)
		}
		res.Tx = &tx
	}

	if err := s.store.MarkReferralRewarded(ctx, referredID, s.now()); err != nil {
		// The credit is keyed; a redelivery replays it and retries the mark.
		return res, fmt.Errorf("mark referral rewarded: %w", err)
	}
	s.metrics.incReferral("rewarded")
	s.logger.Info("referral rewarded",
		"referrer_id", referrerID,
		"referred_user_id", referredID,
		"purchase_id", event.PurchaseID,
		"amount", res.Amount,
	)
	return res, nil
}

// ReferralConsumer applies referral reward events from Kafka.
type ReferralConsumer struct {
	service *Service
	logger  *slog.Logger
}

func NewReferralConsumer(service *Service, logger *slog.Logger) *ReferralConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferralConsumer{service: service, logger: logger}
}

// HandleMessage dead-letters events that can never succeed and returns other
// errors so the consumer retries them.
func (c *ReferralConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event ReferralRewardEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", ReferralRewardEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	res, err := c.service.RewardReferral(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrAccountNotFound), errors.Is(err, apperr.ErrNotFound):
		c.logger.Warn("referral reward target missing", "event_id", event.EventID, "error", err)
		return kafka.DLQ(err, "unknown_account")
	case errors.Is(err, apperr.ErrInvalidParameters):
		return kafka.DLQ(err, "invalid_event")
	default:
		return err
	}
	if res.AlreadyRewarded {
		c.logger.Info("referral event already applied", "event_id", event.EventID, "referred_user_id", event.ReferredUserID)
	}
	return nil
}

func parseUUID(value, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, fmt.Errorf("%s is required", field)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", field)
	}
	return parsed, nil
}
