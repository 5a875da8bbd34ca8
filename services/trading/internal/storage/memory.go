package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const outboxLease = 30 * time.Second

// Memory is a process-local Store used for paper trading and tests. A single
// lock serializes writers, which also serializes every account.
type Memory struct {
	mu  sync.RWMutex
	now func() time.Time

	accounts     map[uuid.UUID]Account
	transactions map[uuid.UUID][]Transaction
	idempotency  map[string]MutationResult

	positions   map[uuid.UUID]Position
	holdings    map[string]SpotHolding
	fills       map[uuid.UUID]SpotFillResult
	instruments map[string]Instrument

	bots       map[uuid.UUID]Bot
	botOrders  map[uuid.UUID]BotOrder
	activities map[uuid.UUID][]BotActivity

	users     map[uuid.UUID]User
	tiers     map[string]Tier
	purchases map[uuid.UUID]TierPurchase
	outbox    map[uuid.UUID]OutboxEvent
}

func NewMemory() *Memory {
	return &Memory{
		now:          func() time.Time { return time.Now().UTC() },
		accounts:     map[uuid.UUID]Account{},
		transactions: map[uuid.UUID][]Transaction{},
		idempotency:  map[string]MutationResult{},
		positions:    map[uuid.UUID]Position{},
		holdings:     map[string]SpotHolding{},
		fills:        map[uuid.UUID]SpotFillResult{},
		instruments:  map[string]Instrument{},
		bots:         map[uuid.UUID]Bot{},
		botOrders:    map[uuid.UUID]BotOrder{},
		activities:   map[uuid.UUID][]BotActivity{},
		users:        map[uuid.UUID]User{},
		tiers:        map[string]Tier{},
		purchases:    map[uuid.UUID]TierPurchase{},
		outbox:       map[uuid.UUID]OutboxEvent{},
	}
}

func idempotencyKey(userID uuid.UUID, key string) string {
	return userID.String() + "|" + key
}

func holdingKey(userID uuid.UUID, symbol string) string {
	return userID.String() + "|" + strings.ToUpper(symbol)
}

func (m *Memory) CreateAccount(_ context.Context, userID uuid.UUID, currency string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[userID]; ok {
		return acct, nil
	}
	now := m.now()
	acct := Account{
		UserID:           userID,
		Currency:         normalizeCurrency(currency),
		BalanceAvailable: decimal.Zero,
		BalanceLocked:    decimal.Zero,
		BalanceBonus:     decimal.Zero,
		TotalDeposited:   decimal.Zero,
		TotalWithdrawn:   decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.accounts[userID] = acct
	return acct, nil
}

func (m *Memory) GetAccount(_ context.Context, userID uuid.UUID) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return Account{}, apperr.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) ApplyMutation(_ context.Context, req MutationRequest) (MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey != "" {
		if res, ok := m.idempotency[idempotencyKey(req.UserID, req.IdempotencyKey)]; ok {
			res.Replayed = true
			return res, nil
		}
	}

	acct, ok := m.accounts[req.UserID]
	if !ok {
		return MutationResult{}, apperr.ErrAccountNotFound
	}

	updated, tx, err := applyMutation(acct, req, m.now())
	if err != nil {
		return MutationResult{}, err
	}

	m.accounts[req.UserID] = updated
	m.transactions[req.UserID] = append(m.transactions[req.UserID], tx)
	res := MutationResult{TransactionID: tx.ID, BalanceBefore: tx.BalanceBefore, BalanceAfter: tx.BalanceAfter}
	if req.IdempotencyKey != "" {
		m.idempotency[idempotencyKey(req.UserID, req.IdempotencyKey)] = res
	}
	return res, nil
}

func (m *Memory) LookupIdempotent(_ context.Context, userID uuid.UUID, key string) (*MutationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.idempotency[idempotencyKey(userID, key)]
	if !ok {
		return nil, nil
	}
	res.Replayed = true
	return &res, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.transactions[userID]
	out := make([]Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		out = append(out, txs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreatePosition(_ context.Context, p Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[p.ID]; exists {
		return apperr.Invalid("position %s already exists", p.ID)
	}
	m.positions[p.ID] = clonePosition(p)
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id uuid.UUID) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return Position{}, apperr.ErrPositionNotFound
	}
	return clonePosition(p), nil
}

func (m *Memory) ListOpenPositions(_ context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		if p.Status == PositionOpen {
			out = append(out, clonePosition(p))
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *Memory) ListUserPositions(_ context.Context, userID uuid.UUID) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, clonePosition(p))
		}
	}
	sortPositions(out)
	return out, nil
}

func (m *Memory) ClosePosition(_ context.Context, id uuid.UUID, c PositionClose) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return Position{}, apperr.ErrPositionNotFound
	}
	if p.Status != PositionOpen {
		return clonePosition(p), apperr.ErrAlreadyClosed
	}
	exit := c.ExitPrice
	pnl := c.RealizedPnL
	closedAt := c.ClosedAt
	p.Status = c.Status
	p.ExitPrice = &exit
	p.RealizedPnL = &pnl
	p.ClosedAt = &closedAt
	m.positions[id] = p
	return clonePosition(p), nil
}

func (m *Memory) ApplySpotFill(_ context.Context, fill SpotFill) (SpotFillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.fills[fill.ID]; ok {
		res.Duplicate = true
		return res, nil
	}

	key := holdingKey(fill.UserID, fill.Symbol)
	holding, ok := m.holdings[key]
	if !ok {
		holding = SpotHolding{UserID: fill.UserID, Symbol: strings.ToUpper(fill.Symbol)}
	}
	res, err := applySpotFill(holding, fill, m.now())
	if err != nil {
		return SpotFillResult{}, err
	}
	m.holdings[key] = res.Holding
	m.fills[fill.ID] = res
	return res, nil
}

func (m *Memory) GetSpotHolding(_ context.Context, userID uuid.UUID, symbol string) (SpotHolding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	holding, ok := m.holdings[holdingKey(userID, symbol)]
	if !ok {
		return SpotHolding{UserID: userID, Symbol: strings.ToUpper(symbol)}, nil
	}
	return holding, nil
}

func (m *Memory) UpsertInstrument(_ context.Context, inst Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.Symbol = strings.ToUpper(inst.Symbol)
	m.instruments[inst.Symbol] = inst
	return nil
}

func (m *Memory) ListInstruments(_ context.Context) ([]Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		if inst.Active {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) CreateBot(_ context.Context, b Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bots[b.ID]; exists {
		return apperr.Invalid("bot %s already exists", b.ID)
	}
	m.bots[b.ID] = cloneBot(b)
	return nil
}

func (m *Memory) GetBot(_ context.Context, id uuid.UUID) (Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bots[id]
	if !ok {
		return Bot{}, apperr.ErrBotNotFound
	}
	return cloneBot(b), nil
}

func (m *Memory) ListBots(_ context.Context, userID uuid.UUID) ([]Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Bot
	for _, b := range m.bots {
		if b.UserID == userID {
			out = append(out, cloneBot(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListBotsByStatus(_ context.Context, statuses ...BotStatus) ([]Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Bot
	for _, b := range m.bots {
		if statusIn(b.Status, statuses) {
			out = append(out, cloneBot(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) TransitionBot(_ context.Context, id uuid.UUID, from []BotStatus, to BotStatus, lastError string) (Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[id]
	if !ok {
		return Bot{}, apperr.ErrBotNotFound
	}
	if !statusIn(b.Status, from) {
		return cloneBot(b), apperr.ErrInvalidState
	}
	b.Status = to
	b.LastError = lastError
	b.UpdatedAt = m.now()
	m.bots[id] = b
	return cloneBot(b), nil
}

func (m *Memory) SaveBotState(_ context.Context, b Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bots[b.ID]
	if !ok {
		return apperr.ErrBotNotFound
	}
	next := cloneBot(b)
	next.Status = cur.Status
	next.LastError = cur.LastError
	next.UpdatedAt = m.now()
	m.bots[b.ID] = next
	return nil
}

func (m *Memory) DeleteBot(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bots[id]
	if !ok {
		return apperr.ErrBotNotFound
	}
	if b.Status != BotStopped {
		return apperr.ErrInvalidState
	}
	delete(m.bots, id)
	delete(m.activities, id)
	for oid, o := range m.botOrders {
		if o.BotID == id {
			delete(m.botOrders, oid)
		}
	}
	return nil
}

func (m *Memory) CreateBotOrder(_ context.Context, o BotOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botOrders[o.ID] = o
	return nil
}

func (m *Memory) UpdateBotOrder(_ context.Context, id uuid.UUID, status BotOrderStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.botOrders[id]
	if !ok {
		return apperr.ErrNotFound
	}
	o.Status = status
	o.Error = errMsg
	o.UpdatedAt = m.now()
	m.botOrders[id] = o
	return nil
}

// FillBotOrder saves the bot's folded state and marks the pending order filled
// in one step. An order that is no longer pending yields ErrAlreadyClosed and
// leaves the bot untouched.
func (m *Memory) FillBotOrder(_ context.Context, b Bot, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.botOrders[orderID]
	if !ok {
		return apperr.ErrNotFound
	}
	if o.Status != BotOrderPending {
		return apperr.ErrAlreadyClosed
	}
	cur, ok := m.bots[b.ID]
	if !ok {
		return apperr.ErrBotNotFound
	}
	now := m.now()
	next := cloneBot(b)
	next.Status = cur.Status
	next.LastError = cur.LastError
	next.UpdatedAt = now
	m.bots[b.ID] = next

	o.Status = BotOrderFilled
	o.Error = ""
	o.UpdatedAt = now
	m.botOrders[orderID] = o
	return nil
}

func (m *Memory) ListPendingBotOrders(_ context.Context, botID uuid.UUID) ([]BotOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BotOrder
	for _, o := range m.botOrders {
		if o.BotID == botID && o.Status == BotOrderPending {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListBotOrders(_ context.Context, botID uuid.UUID) ([]BotOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BotOrder
	for _, o := range m.botOrders {
		if o.BotID == botID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendBotActivity(_ context.Context, a BotActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.activities[a.BotID] = append(m.activities[a.BotID], a)
	return nil
}

func (m *Memory) ListBotActivity(_ context.Context, botID uuid.UUID, limit int) ([]BotActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acts := m.activities[botID]
	out := make([]BotActivity, 0, len(acts))
	for i := len(acts) - 1; i >= 0; i-- {
		out = append(out, acts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, apperr.ErrNotFound
	}
	return u, nil
}

func (m *Memory) MarkReferralRewarded(_ context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	if u.ReferralRewardedAt == nil {
		u.ReferralRewardedAt = &at
		m.users[userID] = u
	}
	return nil
}

func (m *Memory) UpsertTier(_ context.Context, t Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[strings.ToLower(t.Name)] = t
	return nil
}

func (m *Memory) ListTiers(_ context.Context) ([]Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (m *Memory) CreateTierPurchase(_ context.Context, p TierPurchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = PurchasePending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.purchases[p.ID] = p
	return nil
}

func (m *Memory) GetTierPurchase(_ context.Context, id uuid.UUID) (TierPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return TierPurchase{}, apperr.ErrNotFound
	}
	return p, nil
}

func (m *Memory) CompleteTierApproval(_ context.Context, a TierApproval) (TierApprovalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[a.PurchaseID]
	if !ok {
		return TierApprovalResult{}, apperr.ErrNotFound
	}
	switch p.Status {
	case PurchaseApproved:
		return TierApprovalResult{AlreadyApproved: true}, nil
	case PurchaseRejected:
		return TierApprovalResult{}, apperr.ErrInvalidState
	}

	first := true
	for _, other := range m.purchases {
		if other.UserID == p.UserID && other.ID != p.ID && other.Status == PurchaseApproved {
			first = false
			break
		}
	}

	approvedAt := a.ApprovedAt
	p.Status = PurchaseApproved
	p.ApprovedAt = &approvedAt
	p.ApprovedBy = a.ApprovedBy
	m.purchases[p.ID] = p

	u := m.users[p.UserID]
	u.ID = p.UserID
	u.Tier = a.Tier
	m.users[p.UserID] = u

	res := TierApprovalResult{FirstPurchase: first}
	if first && a.Outbox != nil {
		m.enqueueLocked(*a.Outbox)
		res.OutboxEnqueued = true
	}
	return res, nil
}

func (m *Memory) EnqueueOutbox(_ context.Context, e OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(e)
	return nil
}

func (m *Memory) enqueueLocked(e OutboxEvent) {
	now := m.now()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = OutboxPending
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	m.outbox[e.ID] = e
}

func (m *Memory) ClaimOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []OutboxEvent
	for _, e := range m.outbox {
		if e.Status == OutboxPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		e := due[i]
		e.NextAttemptAt = now.Add(outboxLease)
		m.outbox[e.ID] = e
	}
	return due, nil
}

func (m *Memory) MarkOutboxSent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[id]
	if !ok {
		return apperr.ErrNotFound
	}
	e.Status = OutboxSent
	e.Attempts++
	e.LastError = ""
	m.outbox[id] = e
	return nil
}

func (m *Memory) MarkOutboxFailed(_ context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[id]
	if !ok {
		return apperr.ErrNotFound
	}
	e.Attempts++
	e.LastError = errMsg
	e.NextAttemptAt = nextAttempt
	if dead {
		e.Status = OutboxDead
	}
	m.outbox[id] = e
	return nil
}

func (m *Memory) GetOutboxEvent(_ context.Context, id uuid.UUID) (OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.outbox[id]
	if !ok {
		return OutboxEvent{}, apperr.ErrNotFound
	}
	return e, nil
}

func statusIn(s BotStatus, set []BotStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenedAt.Before(ps[j].OpenedAt) })
}

func clonePosition(p Position) Position {
	out := p
	out.StopLoss = cloneDecimalPtr(p.StopLoss)
	out.TakeProfit = cloneDecimalPtr(p.TakeProfit)
	out.ExitPrice = cloneDecimalPtr(p.ExitPrice)
	out.RealizedPnL = cloneDecimalPtr(p.RealizedPnL)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func cloneBot(b Bot) Bot {
	out := b
	if b.DCA != nil {
		cfg := *b.DCA
		cfg.StopLossPct = cloneDecimalPtr(b.DCA.StopLossPct)
		if b.DCA.LastOrderAt != nil {
			t := *b.DCA.LastOrderAt
			cfg.LastOrderAt = &t
		}
		out.DCA = &cfg
	}
	if b.Grid != nil {
		cfg := *b.Grid
		cfg.Levels = append([]GridLevel(nil), b.Grid.Levels...)
		out.Grid = &cfg
	}
	return out
}

func cloneDecimalPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD"
	}
	return c
}
