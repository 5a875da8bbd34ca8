package main

import (
	"context"
	"time"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// seedTestData adds a pending gold purchase for the demo user, whose approval
// exercises the tier bonus and the referral outbox, and a stopped DCA bot.
func seedTestData(ctx context.Context, store *storage.Store) error {
	purchaseID := uuid.MustParse("00000000-0000-0000-0000-000000000401")
	if _, err := store.GetTierPurchase(ctx, purchaseID); err != nil {
		err = store.CreateTierPurchase(ctx, storage.TierPurchase{
			ID:     purchaseID,
			UserID: testutil.DemoUserID,
			Tier:   "gold",
			Amount: decimal.NewFromInt(1000),
			Status: storage.PurchasePending,
		})
		if err != nil {
			return err
		}
	}

	botID := uuid.MustParse("00000000-0000-0000-0000-000000000501")
	if _, err := store.GetBot(ctx, botID); err == nil {
		return nil
	}
	now := time.Now().UTC()
	return store.CreateBot(ctx, storage.Bot{
		ID:        botID,
		UserID:    testutil.TraderUserID,
		Type:      storage.BotDCA,
		Pair:      "BTC/USDT",
		Status:    storage.BotStopped,
		CreatedAt: now,
		UpdatedAt: now,
		DCA: &storage.DCAConfig{
			OrderAmount:            decimal.NewFromInt(100),
			Frequency:              "daily",
			TakeProfitPct:          decimal.NewFromInt(3),
			SafetyOrdersEnabled:    true,
			MaxSafetyOrders:        3,
			SafetyOrderSize:        decimal.NewFromInt(100),
			SafetyOrderStepPct:     decimal.NewFromInt(2),
			SafetyOrderStepScale:   decimal.NewFromInt(1),
			SafetyOrderVolumeScale: decimal.RequireFromString("1.5"),
		},
	})
}
