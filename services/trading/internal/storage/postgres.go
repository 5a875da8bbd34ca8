package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 2 * time.Second

// Store is the Postgres implementation backing every service.
type Store struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	lockTimeout time.Duration
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:        pool,
		logger:      logger,
		lockTimeout: defaultLockTimeout,
	}
}

// WithLockTimeout overrides how long a transaction waits on a row lock
// before failing with ConcurrentModification. Zero disables the limit.
func (s *Store) WithLockTimeout(d time.Duration) *Store {
	s.lockTimeout = d
	return s
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a transaction whose row locks give up after lockTimeout.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapPgError(err)
		}
	}

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	committed = true
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (Account, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, normalizeCurrency(currency)); err != nil {
		return Account{}, mapPgError(err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx, accountSelect+` WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, apperr.ErrAccountNotFound
		}
		return Account{}, err
	}
	return acct, nil
}

func (s *Store) ApplyMutation(ctx context.Context, req MutationRequest) (MutationResult, error) {
	var result MutationResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if req.IdempotencyKey != "" {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, idempotencyKey(req.UserID, req.IdempotencyKey)); err != nil {
				return err
			}
			stored, err := lookupIdempotent(ctx, tx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if stored != nil {
				result = *stored
				return nil
			}
		}

		acct, err := scanAccount(tx.QueryRow(ctx, accountSelect+` WHERE user_id = $1 FOR UPDATE`, req.UserID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrAccountNotFound
			}
			return err
		}

		updated, txn, err := applyMutation(acct, req, time.Now().UTC())
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance_available = $1, balance_locked = $2, balance_bonus = $3,
			    total_deposited = $4, total_withdrawn = $5, updated_at = $6
			WHERE user_id = $7
		`, updated.BalanceAvailable.String(), updated.BalanceLocked.String(), updated.BalanceBonus.String(),
			updated.TotalDeposited.String(), updated.TotalWithdrawn.String(), updated.UpdatedAt, updated.UserID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, user_id, type, amount, lock_delta, balance_before, balance_after,
			                          description, reference_id, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, txn.ID, txn.UserID, string(txn.Type), txn.Amount.String(), txn.LockDelta.String(), txn.BalanceBefore.String(),
			txn.BalanceAfter.String(), txn.Description, txn.ReferenceID, txn.IdempotencyKey, txn.CreatedAt); err != nil {
			return err
		}

		result = MutationResult{TransactionID: txn.ID, BalanceBefore: txn.BalanceBefore, BalanceAfter: txn.BalanceAfter}
		if req.IdempotencyKey != "" {
			snapshot, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal idempotency snapshot: %w", err)
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO idempotency_keys (user_id, key, response)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, key) DO NOTHING
			`, req.UserID, req.IdempotencyKey, snapshot)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: idempotency key %s claimed concurrently", apperr.ErrConcurrentModification, req.IdempotencyKey)
			}
		}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (s *Store) LookupIdempotent(ctx context.Context, userID uuid.UUID, key string) (*MutationResult, error) {
	return lookupIdempotent(ctx, s.pool, userID, key)
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, amount::text, lock_delta::text, balance_before::text, balance_after::text,
		       description, reference_id, idempotency_key, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t                                 Transaction
			txType                            string
			amount, lock, beforeStr, afterStr string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &amount, &lock, &beforeStr, &afterStr,
			&t.Description, &t.ReferenceID, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = MutationType(txType)
		if t.Amount, err = parseDecimal(amount, "amount"); err != nil {
			return nil, err
		}
		if t.LockDelta, err = parseDecimal(lock, "lock_delta"); err != nil {
			return nil, err
		}
		if t.BalanceBefore, err = parseDecimal(beforeStr, "balance_before"); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = parseDecimal(afterStr, "balance_after"); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lookupIdempotent(ctx context.Context, q querier, userID uuid.UUID, key string) (*MutationResult, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT response FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var res MutationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency snapshot: %w", err)
	}
	res.Replayed = true
	return &res, nil
}

const accountSelect = `
	SELECT user_id, currency, balance_available::text, balance_locked::text, balance_bonus::text,
	       total_deposited::text, total_withdrawn::text, created_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct                                           Account
		available, locked, bonus, deposited, withdrawn string
	)
	if err := row.Scan(&acct.UserID, &acct.Currency, &available, &locked, &bonus, &deposited, &withdrawn, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if acct.BalanceAvailable, err = parseDecimal(available, "balance_available"); err != nil {
		return Account{}, err
	}
	if acct.BalanceLocked, err = parseDecimal(locked, "balance_locked"); err != nil {
		return Account{}, err
	}
	if acct.BalanceBonus, err = parseDecimal(bonus, "balance_bonus"); err != nil {
		return Account{}, err
	}
	if acct.TotalDeposited, err = parseDecimal(deposited, "total_deposited"); err != nil {
		return Account{}, err
	}
	if acct.TotalWithdrawn, err = parseDecimal(withdrawn, "total_withdrawn"); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func parseDecimal(value, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseDecimalPtr(value *string, field string) (*decimal.Decimal, error) {
	if value == nil {
		return nil, nil
	}
	d, err := parseDecimal(*value, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalPtrArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapPgError folds lock and serialization failures into ErrConcurrentModification.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", apperr.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}
