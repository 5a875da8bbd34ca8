package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, tier, referrer_id, referral_rewarded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier, referrer_id = EXCLUDED.referrer_id
	`, u.ID, u.Tier, u.ReferrerID, u.ReferralRewardedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	u := User{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT tier, referrer_id, referral_rewarded_at FROM users WHERE id = $1
	`, id).Scan(&u.Tier, &u.ReferrerID, &u.ReferralRewardedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, apperr.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// MarkReferralRewarded keeps the first reward timestamp.
func (s *Store) MarkReferralRewarded(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET referral_rewarded_at = COALESCE(referral_rewarded_at, $2) WHERE id = $1
	`, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertTier(ctx context.Context, t Tier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tiers (name, price, bonus_pct, rank)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET price = EXCLUDED.price, bonus_pct = EXCLUDED.bonus_pct, rank = EXCLUDED.rank
	`, strings.ToLower(t.Name), t.Price.String(), t.BonusPct.String(), t.Rank)
	return err
}

func (s *Store) ListTiers(ctx context.Context) ([]Tier, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, price::text, bonus_pct::text, rank FROM tiers ORDER BY rank`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tier
	for rows.Next() {
		var (
			t            Tier
			price, bonus string
		)
		if err := rows.Scan(&t.Name, &price, &bonus, &t.Rank); err != nil {
			return nil, err
		}
		if t.Price, err = parseDecimal(price, "price"); err != nil {
			return nil, err
		}
		if t.BonusPct, err = parseDecimal(bonus, "bonus_pct"); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTierPurchase(ctx context.Context, p TierPurchase) error {
	if p.Status == "" {
		p.Status = PurchasePending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tier_purchases (id, user_id, tier, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.UserID, p.Tier, p.Amount.String(), string(p.Status), p.CreatedAt)
	return err
}

func (s *Store) GetTierPurchase(ctx context.Context, id uuid.UUID) (TierPurchase, error) {
	return getTierPurchase(ctx, s.pool, id, false)
}

func getTierPurchase(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (TierPurchase, error) {
	sql := `
		SELECT id, user_id, tier, amount::text, status, created_at, approved_at, approved_by
		FROM tier_purchases
		WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		p              TierPurchase
		amount, status string
	)
	if err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.UserID, &p.Tier, &amount, &status, &p.CreatedAt, &p.ApprovedAt, &p.ApprovedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TierPurchase{}, apperr.ErrNotFound
		}
		return TierPurchase{}, err
	}
	p.Status = PurchaseStatus(status)
	var err error
	if p.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return TierPurchase{}, err
	}
	return p, nil
}

// CompleteTierApproval marks the purchase approved, sets the user's tier and,
// for a first purchase, enqueues the outbox event in the same transaction.
func (s *Store) CompleteTierApproval(ctx context.Context, a TierApproval) (TierApprovalResult, error) {
	var res TierApprovalResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := getTierPurchase(ctx, tx, a.PurchaseID, true)
		if err != nil {
			return err
		}
		switch p.Status {
		case PurchaseApproved:
			res.AlreadyApproved = true
			return nil
		case PurchaseRejected:
			return apperr.ErrInvalidState
		}

		var prior int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM tier_purchases WHERE user_id = $1 AND id <> $2 AND status = 'approved'
		`, p.UserID, p.ID).Scan(&prior); err != nil {
			return err
		}
		res.FirstPurchase = prior == 0

		if _, err := tx.Exec(ctx, `
			UPDATE tier_purchases SET status = 'approved', approved_at = $2, approved_by = $3 WHERE id = $1
		`, p.ID, a.ApprovedAt, a.ApprovedBy); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id, tier) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier
		`, p.UserID, a.Tier); err != nil {
			return err
		}

		if res.FirstPurchase && a.Outbox != nil {
			if err := insertOutbox(ctx, tx, *a.Outbox); err != nil {
				return err
			}
			res.OutboxEnqueued = true
		}
		return nil
	})
	if err != nil {
		return TierApprovalResult{}, err
	}
	return res, nil
}

func (s *Store) EnqueueOutbox(ctx context.Context, e OutboxEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return insertOutbox(ctx, tx, e)
	})
}

func insertOutbox(ctx context.Context, tx pgx.Tx, e OutboxEvent) error {
	now := time.Now().UTC()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, topic, key, payload, status, attempts, last_error, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, '', $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Topic, e.Key, e.Payload, e.NextAttemptAt, e.CreatedAt)
	return err
}

// ClaimOutbox leases due events so concurrent relays skip them. An event whose
// lease lapses without a Mark call becomes due again.
func (s *Store) ClaimOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []OutboxEvent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT id FROM outbox
				WHERE status = 'pending' AND next_attempt_at <= now()
				ORDER BY created_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE outbox o
			SET next_attempt_at = now() + make_interval(secs => $2)
			FROM due
			WHERE o.id = due.id
			RETURNING o.id, o.topic, o.key, o.payload, o.status, o.attempts, o.last_error, o.next_attempt_at, o.created_at
		`, limit, outboxLease.Seconds())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanOutbox(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'sent', attempts = attempts + 1, last_error = '' WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, dead bool) error {
	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, status = $4
		WHERE id = $1
	`, id, errMsg, nextAttempt, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Store) GetOutboxEvent(ctx context.Context, id uuid.UUID) (OutboxEvent, error) {
	e, err := scanOutbox(s.pool.QueryRow(ctx, `
		SELECT id, topic, key, payload, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OutboxEvent{}, apperr.ErrNotFound
		}
		return OutboxEvent{}, err
	}
	return e, nil
}

func scanOutbox(row pgx.Row) (OutboxEvent, error) {
	var (
		e      OutboxEvent
		status string
	)
	if err := row.Scan(&e.ID, &e.Topic, &e.Key, &e.Payload, &status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
		return OutboxEvent{}, fmt.Errorf("scan outbox: %w", err)
	}
	e.Status = OutboxStatus(status)
	return e, nil
}
