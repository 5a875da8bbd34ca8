package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MutationType string

const (
	MutationDeposit       MutationType = "deposit"
	MutationWithdrawal    MutationType = "withdrawal"
	MutationTradeOpen     MutationType = "trade_open"
	MutationTradeClose    MutationType = "trade_close"
	MutationBonus         MutationType = "bonus"
	MutationAdjustment    MutationType = "adjustment"
	MutationFee           MutationType = "fee"
	MutationReversal      MutationType = "reversal"
	MutationTierBonus     MutationType = "tier_bonus"
	MutationReferralBonus MutationType = "referral_bonus"
)

var mutationTypes = map[MutationType]struct{}{
	MutationDeposit:       {},
	MutationWithdrawal:    {},
	MutationTradeOpen:     {},
	MutationTradeClose:    {},
	MutationBonus:         {},
	MutationAdjustment:    {},
	MutationFee:           {},
	MutationReversal:      {},
	MutationTierBonus:     {},
	MutationReferralBonus: {},
}

func (t MutationType) Valid() bool {
	_, ok := mutationTypes[t]
	return ok
}

// Bucket names the account balance a mutation type acts on.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketBonus     Bucket = "bonus"
)

func (t MutationType) Bucket() Bucket {
	switch t {
	case MutationBonus, MutationTierBonus:
		return BucketBonus
	default:
		return BucketAvailable
	}
}

type Account struct {
	UserID           uuid.UUID
	Currency         string
	BalanceAvailable decimal.Decimal
	BalanceLocked    decimal.Decimal
	BalanceBonus     decimal.Decimal
	TotalDeposited   decimal.Decimal
	TotalWithdrawn   decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Equity is every unit of value the account holds.
func (a Account) Equity() decimal.Decimal {
	return a.BalanceAvailable.Add(a.BalanceLocked).Add(a.BalanceBonus)
}

type Transaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           MutationType
	Amount         decimal.Decimal
	LockDelta      decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	ReferenceID    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// MutationRequest is one ledger mutation. LockDelta moves funds from available
// to locked when positive and back when negative, in the same unit as Amount.
type MutationRequest struct {
	UserID         uuid.UUID
	Amount         decimal.Decimal
	LockDelta      decimal.Decimal
	Type           MutationType
	Description    string
	ReferenceID    string
	IdempotencyKey string
	AllowNegative  bool
}

// MutationResult is also the idempotency snapshot, so it is JSON encoded.
type MutationResult struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Replayed      bool            `json:"-"`
}

type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetForex  AssetClass = "forex"
	AssetStock  AssetClass = "stock"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
	PositionStoppedOut PositionStatus = "stopped_out"
	PositionTakeProfit PositionStatus = "take_profit"
)

type Position struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Symbol           string
	AssetClass       AssetClass
	Direction        Direction
	Investment       decimal.Decimal
	Multiplier       decimal.Decimal
	EntryPrice       decimal.Decimal
	LiquidationPrice decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	SpreadCost       decimal.Decimal
	AccountCurrency  string
	Status           PositionStatus
	OpenedAt         time.Time
	ClosedAt         *time.Time
	ExitPrice        *decimal.Decimal
	RealizedPnL      *decimal.Decimal
}

type PositionClose struct {
	Status      PositionStatus
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

type SpotHolding struct {
	UserID         uuid.UUID
	Symbol         string
	Quantity       decimal.Decimal
	AveragePrice   decimal.Decimal
	TotalCostBasis decimal.Decimal
	UpdatedAt      time.Time
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SpotFill is applied to a holding at most once per ID.
type SpotFill struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

type Instrument struct {
	Symbol      string
	AssetClass  AssetClass
	MaxLeverage decimal.Decimal
	SpreadRate  decimal.Decimal
	Active      bool
}

type BotType string

const (
	BotDCA  BotType = "dca"
	BotGrid BotType = "grid"
)

type BotStatus string

const (
	BotStopped BotStatus = "stopped"
	BotRunning BotStatus = "running"
	BotPaused  BotStatus = "paused"
	BotError   BotStatus = "error"
)

type Bot struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Type           BotType
	Pair           string
	Status         BotStatus
	InvestedAmount decimal.Decimal
	TotalPnL       decimal.Decimal
	LastError      string
	DCA            *DCAConfig
	Grid           *GridConfig
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a copy that shares no config or level storage with b.
func (b Bot) Clone() Bot { return cloneBot(b) }

type DCAConfig struct {
	OrderAmount            decimal.Decimal
	Frequency              string
	TakeProfitPct          decimal.Decimal
	StopLossPct            *decimal.Decimal
	TrailingTPEnabled      bool
	TrailingTPDeviation    decimal.Decimal
	SafetyOrdersEnabled    bool
	MaxSafetyOrders        int
	SafetyOrderSize        decimal.Decimal
	SafetyOrderStepPct     decimal.Decimal
	SafetyOrderStepScale   decimal.Decimal
	SafetyOrderVolumeScale decimal.Decimal

	CurrentAvgPrice   decimal.Decimal
	TotalBaseBought   decimal.Decimal
	TotalQuoteSpent   decimal.Decimal
	ActiveSafetyCount int
	DealCount         int
	TrailingPeak      decimal.Decimal
	LastOrderAt       *time.Time
}

type GridType string

const (
	GridArithmetic GridType = "arithmetic"
	GridGeometric  GridType = "geometric"
)

type GridStrategy string

const (
	GridNeutral GridStrategy = "neutral"
	GridLong    GridStrategy = "long"
	GridShort   GridStrategy = "short"
)

type GridConfig struct {
	UpperPrice      decimal.Decimal
	LowerPrice      decimal.Decimal
	GridCount       int
	GridType        GridType
	TotalInvestment decimal.Decimal
	PerGridAmount   decimal.Decimal
	Strategy        GridStrategy
	GridProfit      decimal.Decimal
	FloatPnL        decimal.Decimal
	CompletedCycles int
	Levels          []GridLevel
}

type GridLevel struct {
	Index      int
	Price      decimal.Decimal
	BuyFilled  bool
	SellFilled bool
	BuyPrice   decimal.Decimal
	Quantity   decimal.Decimal
}

type BotOrderStatus string

const (
	BotOrderPending BotOrderStatus = "pending"
	BotOrderFilled  BotOrderStatus = "filled"
	BotOrderFailed  BotOrderStatus = "failed"
)

type BotOrder struct {
	ID             uuid.UUID
	BotID          uuid.UUID
	Kind           string
	Side           Side
	Price          decimal.Decimal
	QuoteAmount    decimal.Decimal
	BaseQuantity   decimal.Decimal
	LevelIndex     *int
	Status         BotOrderStatus
	IdempotencyKey string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type BotActivity struct {
	ID        uuid.UUID
	BotID     uuid.UUID
	Action    string
	Details   string
	CreatedAt time.Time
}

type User struct {
	ID                 uuid.UUID
	Tier               string
	ReferrerID         *uuid.UUID
	ReferralRewardedAt *time.Time
}

type Tier struct {
	Name     string
	Price    decimal.Decimal
	BonusPct decimal.Decimal
	Rank     int
}

type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "pending"
	PurchaseApproved PurchaseStatus = "approved"
	PurchaseRejected PurchaseStatus = "rejected"
)

type TierPurchase struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Tier       string
	Amount     decimal.Decimal
	Status     PurchaseStatus
	CreatedAt  time.Time
	ApprovedAt *time.Time
	ApprovedBy string
}

// TierApproval is committed in one store transaction. Outbox is enqueued only
// when the purchase is the user's first approved one.
type TierApproval struct {
	PurchaseID uuid.UUID
	UserID     uuid.UUID
	Tier       string
	ApprovedBy string
	ApprovedAt time.Time
	Outbox     *OutboxEvent
}

type TierApprovalResult struct {
	AlreadyApproved bool
	FirstPurchase   bool
	OutboxEnqueued  bool
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

type OutboxEvent struct {
	ID            uuid.UUID
	Topic         string
	Key           string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
