// Package ledger owns every balance change. Other components reach account
// balances only through Service.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/cache"
	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MaxBatchSize = 10

	tracerName        = "trading/ledger"
	defaultCacheTTL   = 24 * time.Hour
	defaultListLimit  = 100
	idempotencyPrefix = "ledger:idem:"
)

type Store interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (storage.Account, error)
	ApplyMutation(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error)
	LookupIdempotent(ctx context.Context, userID uuid.UUID, key string) (*storage.MutationResult, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error)
}

type Options struct {
	// AllowNegativeTypes lists mutation types that may drive their bucket
	// below zero.
	AllowNegativeTypes []string
	Cache              cache.Cache
	CacheTTL           time.Duration
	Retry              RetryPolicy
}

type Service struct {
	store         Store
	cache         cache.Cache
	cacheTTL      time.Duration
	allowNegative map[storage.MutationType]bool
	retry         RetryPolicy
	logger        *slog.Logger
	metrics       *Metrics
}

func NewService(store Store, logger *slog.Logger, metrics *Metrics, opts Options) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[storage.MutationType]bool, len(opts.AllowNegativeTypes))
	for _, raw := range opts.AllowNegativeTypes {
		t := storage.MutationType(strings.ToLower(strings.TrimSpace(raw)))
		if !t.Valid() {
			return nil, fmt.Errorf("allow negative: unknown mutation type %q", raw)
		}
		allow[t] = true
	}
	c := opts.Cache
	if c == nil {
		c = cache.Noop{}
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	retry := opts.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Service{
		store:         store,
		cache:         c,
		cacheTTL:      ttl,
		allowNegative: allow,
		retry:         retry,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// ApplyMutation applies req once. A request carrying an idempotency key that
// already succeeded returns the stored result without touching the balance.
func (s *Service) ApplyMutation(ctx context.Context, req storage.MutationRequest) (result storage.MutationResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "ledger.ApplyMutation",
		attribute.String("mutation.type", string(req.Type)),
		attribute.String("user.id", req.UserID.String()),
	)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = strings.ToLower(string(apperr.CodeOf(err)))
		} else if result.Replayed {
			status = "replayed"
		}
		s.metrics.observeMutation(string(req.Type), status, time.Since(start))
		trace.End(span, err)
	}()

	if req.IdempotencyKey != "" {
		if cached, ok := s.cachedResult(ctx, req.UserID, req.IdempotencyKey); ok {
			s.metrics.incReplay("cache")
			return cached, nil
		}
	}

	req.AllowNegative = s.allowNegative[req.Type]
	result, err = s.store.ApplyMutation(ctx, req)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			s.logger.Error("ledger mutation failed", "user_id", req.UserID, "type", req.Type, "error", err)
		}
		return storage.MutationResult{}, err
	}
	if result.Replayed {
		s.metrics.incReplay("store")
	}
	if req.IdempotencyKey != "" {
		s.storeCached(ctx, req.UserID, req.IdempotencyKey, result)
	}
	return result, nil
}

// ApplyWithRetry is ApplyMutation retried on ConcurrentModification with the
// service's backoff policy. Callers should pass an idempotency key.
func (s *Service) ApplyWithRetry(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error) {
	var (
		res     storage.MutationResult
		attempt int
	)
	err := WithRetry(ctx, s.retry, func(ctx context.Context) error {
		if attempt > 0 {
			s.metrics.incRetry()
		}
		attempt++
		var err error
		res, err = s.ApplyMutation(ctx, req)
		return err
	})
	return res, err
}

type BatchItem struct {
	Index  int                     `json:"index"`
	Result *storage.MutationResult `json:"result,omitempty"`
	Error  *apperr.Failure         `json:"error,omitempty"`
}

type BatchResult struct {
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Items      []BatchItem `json:"items"`
}

// ApplyBatch applies each request independently. A failing item does not roll
// back the others.
func (s *Service) ApplyBatch(ctx context.Context, reqs []storage.MutationRequest) (BatchResult, error) {
	if len(reqs) == 0 {
		return BatchResult{}, apperr.Invalid("batch is empty")
	}
	if len(reqs) > MaxBatchSize {
		return BatchResult{}, apperr.Invalid("batch of %d exceeds limit of %d", len(reqs), MaxBatchSize)
	}

	out := BatchResult{Items: make([]BatchItem, 0, len(reqs))}
	for i, req := range reqs {
		res, err := s.ApplyMutation(ctx, req)
		item := BatchItem{Index: i}
		if err != nil {
			item.Error = apperr.Describe(err)
			out.Failed++
			s.metrics.incBatchItem("failed")
		} else {
			r := res
			item.Result = &r
			out.Successful++
			s.metrics.incBatchItem("success")
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (storage.Account, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		s.metrics.incBalanceLookup("error")
		return storage.Account{}, err
	}
	s.metrics.incBalanceLookup("success")
	return acct, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

// LookupIdempotent returns the stored result for key, or nil if the request
// never committed. It is how a caller recovers after a timeout.
func (s *Service) LookupIdempotent(ctx context.Context, userID uuid.UUID, key string) (*storage.MutationResult, error) {
	if key == "" {
		return nil, apperr.Invalid("idempotency key is required")
	}
	if cached, ok := s.cachedResult(ctx, userID, key); ok {
		return &cached, nil
	}
	return s.store.LookupIdempotent(ctx, userID, key)
}

func (s *Service) cachedResult(ctx context.Context, userID uuid.UUID, key string) (storage.MutationResult, bool) {
	raw, ok, err := s.cache.Get(ctx, cacheKey(userID, key))
	if err != nil {
		s.logger.Warn("idempotency cache read failed", "user_id", userID, "error", err)
		return storage.MutationResult{}, false
	}
	if !ok {
		return storage.MutationResult{}, false
	}
	var res storage.MutationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		s.logger.Warn("idempotency cache entry corrupt", "user_id", userID, "error", err)
		return storage.MutationResult{}, false
	}
	res.Replayed = true
	return res, true
}

func (s *Service) storeCached(ctx context.Context, userID uuid.UUID, key string, res storage.MutationResult) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(userID, key), raw, s.cacheTTL); err != nil {
		s.logger.Warn("idempotency cache write failed", "user_id", userID, "error", err)
	}
}

func cacheKey(userID uuid.UUID, key string) string {
	return idempotencyPrefix + userID.String() + ":" + key
}
