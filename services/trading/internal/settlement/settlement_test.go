package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/kafka"
	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/catalog"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/ledger"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type published struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	mu      sync.Mutex
	records []published
	err     error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, 0, f.err
	}
	f.records = append(f.records, published{topic: topic, key: key, value: value})
	return 0, int64(len(f.records)), nil
}

func (f *fakePublisher) Close() error { return nil }

// flakyLedger fails the first failN credits before reaching the ledger.
type flakyLedger struct {
	Ledger
	failN int
}

func (f *flakyLedger) ApplyWithRetry(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error) {
	if f.failN > 0 {
		f.failN--
		return storage.MutationResult{}, errors.New("ledger unavailable")
	}
	return f.Ledger.ApplyWithRetry(ctx, req)
}

type harness struct {
	store    *storage.Memory
	ledger   *ledger.Service
	svc      *Service
	buyer    uuid.UUID
	referrer uuid.UUID
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	led, err := ledger.NewService(store, nil, nil, ledger.Options{})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	referrer := testutil.ReferrerUserID
	buyer := testutil.DemoUserID
	for _, id := range []uuid.UUID{buyer, referrer} {
		if _, err := store.CreateAccount(ctx, id, "USD"); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	if err := store.CreateUser(ctx, storage.User{ID: referrer}); err != nil {
		t.Fatalf("create referrer: %v", err)
	}
	if err := store.CreateUser(ctx, storage.User{ID: buyer, ReferrerID: &referrer}); err != nil {
		t.Fatalf("create buyer: %v", err)
	}
	for _, tier := range []storage.Tier{
		{Name: "basic", Price: testutil.D("100"), BonusPct: testutil.D("0"), Rank: 1},
		{Name: "gold", Price: testutil.D("500"), BonusPct: testutil.D("20"), Rank: 2},
	} {
		if err := store.UpsertTier(ctx, tier); err != nil {
			t.Fatalf("upsert tier: %v", err)
		}
	}
	tiers := catalog.NewTiers()
	if err := tiers.Load(ctx, store); err != nil {
		t.Fatalf("load tiers: %v", err)
	}
	if opts.ReferralPercent.IsZero() && opts.ReferralFixed.IsZero() {
		opts.ReferralPercent = testutil.D("10")
	}
	return &harness{
		store:    store,
		ledger:   led,
		svc:      NewService(store, led, tiers, nil, nil, opts),
		buyer:    buyer,
		referrer: referrer,
	}
}

func (h *harness) account(t *testing.T, id uuid.UUID) storage.Account {
	t.Helper()
	acct, err := h.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acct
}

func (h *harness) purchase(t *testing.T, tier string) storage.TierPurchase {
	t.Helper()
	p, err := h.svc.Purchase(context.Background(), h.buyer, tier)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	return p
}

func message(t *testing.T, value any) *sarama.ConsumerMessage {
	t.Helper()
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	default:
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return &sarama.ConsumerMessage{Topic: defaultTopic, Value: raw}
}

func TestApproveCreditsBonusAndQueuesReferral(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	p := h.purchase(t, "Gold")
	testutil.AssertDecimal(t, "purchase amount", p.Amount, "500")

	res, err := h.svc.Approve(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.AlreadyApproved || !res.FirstPurchase || !res.ReferralQueued {
		t.Fatalf("unexpected approval result: %+v", res)
	}
	testutil.AssertDecimal(t, "bonus", res.Bonus, "100")
	if res.Purchase.Status != storage.PurchaseApproved || res.Purchase.ApprovedBy != "admin" {
		t.Fatalf("expected approved purchase, got %+v", res.Purchase)
	}

	acct := h.account(t, h.buyer)
	testutil.AssertDecimal(t, "bonus balance", acct.BalanceBonus, "100")
	testutil.AssertDecimal(t, "available balance", acct.BalanceAvailable, "0")

	user, err := h.store.GetUser(ctx, h.buyer)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Tier != "gold" {
		t.Fatalf("expected gold tier, got %q", user.Tier)
	}

	eventID := uuid.MustParse(kafka.DeterministicEventID(ReferralRewardEventType, h.buyer.String()))
	row, err := h.store.GetOutboxEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("expected outbox row: %v", err)
	}
	if row.Topic != defaultTopic || row.Key != h.referrer.String() || row.Status != storage.OutboxPending {
		t.Fatalf("unexpected outbox row: %+v", row)
	}
}

func TestApproveTwiceDoesNotDoubleCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	p := h.purchase(t, "gold")

	if _, err := h.svc.Approve(ctx, p.ID, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := h.svc.Approve(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if !res.AlreadyApproved || res.ReferralQueued {
		t.Fatalf("expected replayed approval, got %+v", res)
	}
	testutil.AssertDecimal(t, "bonus balance", h.account(t, h.buyer).BalanceBonus, "100")

	txs, err := h.ledger.ListTransactions(ctx, h.buyer, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != storage.MutationTierBonus {
		t.Fatalf("expected one tier bonus transaction, got %d", len(txs))
	}
}

func TestApproveRetryCompletesMissedBonus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	flaky := &flakyLedger{Ledger: h.ledger, failN: 1}
	h.svc.ledger = flaky
	p := h.purchase(t, "gold")

	if _, err := h.svc.Approve(ctx, p.ID, "admin"); err == nil {
		t.Fatalf("expected bonus credit failure")
	}
	stored, err := h.store.GetTierPurchase(ctx, p.ID)
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if stored.Status != storage.PurchaseApproved {
		t.Fatalf("approval must stay committed, got %s", stored.Status)
	}
	testutil.AssertDecimal(t, "bonus before retry", h.account(t, h.buyer).BalanceBonus, "0")

	res, err := h.svc.Approve(ctx, p.ID, "admin")
	if err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if !res.AlreadyApproved {
		t.Fatalf("expected already approved on retry")
	}
	testutil.AssertDecimal(t, "bonus after retry", h.account(t, h.buyer).BalanceBonus, "100")
}

func TestSecondPurchaseQueuesNoReferral(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	first := h.purchase(t, "basic")
	if _, err := h.svc.Approve(ctx, first.ID, ""); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	second := h.purchase(t, "gold")
	res, err := h.svc.Approve(ctx, second.ID, "")
	if err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if res.FirstPurchase || res.ReferralQueued {
		t.Fatalf("second purchase must not queue a referral: %+v", res)
	}
	if res.Purchase.ApprovedBy != approvedBySelf {
		t.Fatalf("expected default approver, got %q", res.Purchase.ApprovedBy)
	}
}

func TestApproveRejectsRejectedPurchase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	p := storage.TierPurchase{ID: uuid.New(), UserID: h.buyer, Tier: "gold", Amount: testutil.D("500"), Status: storage.PurchaseRejected}
	if err := h.store.CreateTierPurchase(ctx, p); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if _, err := h.svc.Approve(ctx, p.ID, "admin"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := h.svc.Approve(ctx, uuid.New(), "admin"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	if _, err := h.svc.Purchase(ctx, h.buyer, "platinum"); !errors.Is(err, apperr.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters for unknown tier, got %v", err)
	}
	if _, err := h.svc.Purchase(ctx, uuid.Nil, "gold"); !errors.Is(err, apperr.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters for missing user, got %v", err)
	}
	if _, err := h.svc.Purchase(ctx, uuid.New(), "gold"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestRelayDeliversReferralEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	p := h.purchase(t, "gold")
	if _, err := h.svc.Approve(ctx, p.ID, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pub := &fakePublisher{}
	relay := NewRelay(h.store, pub, nil, nil, nil, RelayOptions{})
	sent, err := relay.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sent != 1 || len(pub.records) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.records))
	}
	rec := pub.records[0]
	if rec.topic != defaultTopic || rec.key != h.referrer.String() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if again, _ := relay.Flush(ctx); again != 0 {
		t.Fatalf("sent rows must not be published again")
	}

	consumer := NewReferralConsumer(h.svc, nil)
	if err := consumer.HandleMessage(ctx, message(t, rec.value)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// 10% of 500.
	testutil.AssertDecimal(t, "referrer balance", h.account(t, h.referrer).BalanceAvailable, "50")

	if err := consumer.HandleMessage(ctx, message(t, rec.value)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	testutil.AssertDecimal(t, "referrer balance after redelivery", h.account(t, h.referrer).BalanceAvailable, "50")

	user, err := h.store.GetUser(ctx, h.buyer)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.ReferralRewardedAt == nil {
		t.Fatalf("expected referral marked rewarded")
	}
}

func TestRewardReferralFixedAmount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ReferralFixed: testutil.D("25")})
	p := storage.TierPurchase{ID: uuid.New(), UserID: h.buyer, Tier: "gold", Amount: testutil.D("500")}
	event, err := NewReferralRewardEvent(h.referrer, p)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	res, err := h.svc.RewardReferral(ctx, event)
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	testutil.AssertDecimal(t, "reward", res.Amount, "25")
	testutil.AssertDecimal(t, "referrer balance", h.account(t, h.referrer).BalanceAvailable, "25")

	txs, err := h.ledger.ListTransactions(ctx, h.referrer, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Type != storage.MutationReferralBonus || txs[0].IdempotencyKey != referralKey+h.buyer.String() {
		t.Fatalf("unexpected referral transactions: %+v", txs)
	}
}

func TestReferralConsumerDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	consumer := NewReferralConsumer(h.svc, nil)

	var dlqErr *kafka.DLQError
	if err := consumer.HandleMessage(ctx, &sarama.ConsumerMessage{}); !errors.As(err, &dlqErr) {
		t.Fatalf("expected dlq for empty message, got %v", err)
	}
	if err := consumer.HandleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{")}); !errors.As(err, &dlqErr) || dlqErr.Reason != "invalid_payload" {
		t.Fatalf("expected invalid_payload, got %v", err)
	}

	bad, err := NewReferralRewardEvent(h.referrer, storage.TierPurchase{ID: uuid.New(), UserID: h.buyer, Amount: testutil.D("1")})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	bad.PurchaseAmount = "abc"
	if err := consumer.HandleMessage(ctx, message(t, bad)); !errors.As(err, &dlqErr) || dlqErr.Reason != "invalid_event" {
		t.Fatalf("expected invalid_event, got %v", err)
	}

	// The referrer has a user row but no ledger account.
	orphan := uuid.New()
	if err := h.store.CreateUser(ctx, storage.User{ID: orphan}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	missing, err := NewReferralRewardEvent(orphan, storage.TierPurchase{ID: uuid.New(), UserID: h.buyer, Amount: testutil.D("500")})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if err := consumer.HandleMessage(ctx, message(t, missing)); !errors.As(err, &dlqErr) || dlqErr.Reason != "unknown_account" {
		t.Fatalf("expected unknown_account, got %v", err)
	}
	user, _ := h.store.GetUser(ctx, h.buyer)
	if user.ReferralRewardedAt != nil {
		t.Fatalf("failed reward must not mark the referral")
	}
}

func TestRelayBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	row := storage.OutboxEvent{ID: uuid.New(), Topic: defaultTopic, Key: "k", Payload: []byte(`{"a":1}`)}
	if err := store.EnqueueOutbox(ctx, row); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pub := &fakePublisher{err: errors.New("broker down")}
	dlq := &fakePublisher{}
	relay := NewRelay(store, pub, dlq, nil, nil, RelayOptions{MaxAttempts: 2, DLQTopic: "trading.dlq"})
	// Push retries into the past so every flush finds the row due.
	relay.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }

	if sent, err := relay.Flush(ctx); err != nil || sent != 0 {
		t.Fatalf("first flush: sent=%d err=%v", sent, err)
	}
	got, err := store.GetOutboxEvent(ctx, row.ID)
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if got.Status != storage.OutboxPending || got.Attempts != 1 || got.LastError == "" {
		t.Fatalf("expected pending retry, got %+v", got)
	}
	if len(dlq.records) != 0 {
		t.Fatalf("dlq must stay empty before exhaustion")
	}

	if _, err := relay.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	got, _ = store.GetOutboxEvent(ctx, row.ID)
	if got.Status != storage.OutboxDead || got.Attempts != 2 {
		t.Fatalf("expected dead row, got %+v", got)
	}
	if len(dlq.records) != 1 || dlq.records[0].topic != "trading.dlq" {
		t.Fatalf("expected one dlq record, got %+v", dlq.records)
	}
	payload, ok := dlq.records[0].value.(kafka.DeadLetter)
	if !ok || payload.Source != kafka.SourceOutbox || payload.Reason != exhaustedReason || payload.Attempts != 2 || payload.OriginalTopic != defaultTopic {
		t.Fatalf("unexpected dlq payload: %+v", dlq.records[0].value)
	}

	if sent, _ := relay.Flush(ctx); sent != 0 || len(dlq.records) != 1 {
		t.Fatalf("dead rows must not be retried")
	}
}

func TestRelayBackoffCapped(t *testing.T) {
	relay := NewRelay(storage.NewMemory(), &fakePublisher{}, nil, nil, nil, RelayOptions{
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	})
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 30: 10 * time.Second}
	for attempts, want := range cases {
		if got := relay.backoff(attempts); got != want {
			t.Fatalf("backoff(%d): expected %s, got %s", attempts, want, got)
		}
	}
}

func TestReferralAmount(t *testing.T) {
	svc := NewService(nil, nil, nil, nil, nil, Options{ReferralPercent: decimal.RequireFromString("7.5")})
	testutil.AssertDecimal(t, "percent", svc.ReferralAmount(testutil.D("200")), "15")
	svc = NewService(nil, nil, nil, nil, nil, Options{ReferralFixed: testutil.D("5"), ReferralPercent: testutil.D("50")})
	testutil.AssertDecimal(t, "fixed", svc.ReferralAmount(testutil.D("200")), "5")
}
