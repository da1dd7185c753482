// Package subscription implements the subscription lifecycle: the transition
// table, time-driven advance (trial expiry and period rollover) and the
// subscription row store.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

// Store reads and writes subscription rows.
type Store struct {
	q store.Querier
}

// New creates a Store over q.
func New(q store.Querier) *Store {
	return &Store{q: q}
}

const subCols = `id, user_id, organization_id, plan_id, status, started_at, trial_ends_at,
	period_start_date, period_end_date, tokens_used_this_period, token_balance,
	cancelled_at, cancelled_reason, paid_at, version, created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (models.Subscription, error) {
	var s models.Subscription
	var status string
	var trialEnds, cancelledAt, paidAt sql.NullTime
	var reason sql.NullString
	err := scanner.Scan(&s.ID, &s.UserID, &s.OrganizationID, &s.PlanID, &status, &s.StartedAt, &trialEnds,
		&s.PeriodStart, &s.PeriodEnd, &s.TokensUsedThisPeriod, &s.TokenBalance,
		&cancelledAt, &reason, &paidAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Status = models.Status(status)
	if trialEnds.Valid {
		t := trialEnds.Time.UTC()
		s.TrialEndsAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		s.CancelledAt = &t
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		s.PaidAt = &t
	}
	if reason.Valid {
		s.CancelledReason = &reason.String
	}
	s.StartedAt = s.StartedAt.UTC()
	s.PeriodStart = s.PeriodStart.UTC()
	s.PeriodEnd = s.PeriodEnd.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// Create inserts sub. A second live subscription for the same user and
// organization is rejected with InvalidState.
func (s *Store) Create(ctx context.Context, sub models.Subscription, now time.Time) (models.Subscription, error) {
	if sub.UserID == "" || sub.OrganizationID == "" {
		return sub, models.Errorf(models.KindInvalidRequest, "create subscription", "user_id and organization_id are required")
	}
	if !sub.Status.Valid() || sub.Status == models.StatusCancelled {
		return sub, models.Errorf(models.KindInvalidState, "create subscription", "cannot create a subscription in status %q", sub.Status)
	}

	live, err := s.Live(ctx, sub.UserID, sub.OrganizationID)
	switch {
	case err == nil:
		return sub, models.Errorf(models.KindInvalidState, "create subscription",
			"user %q already has live subscription %d in organization %q", sub.UserID, live.ID, sub.OrganizationID)
	case !errors.Is(err, models.ErrNotFound):
		return sub, err
	}

	now = now.UTC()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, organization_id, plan_id, status, started_at, trial_ends_at,
			period_start_date, period_end_date, tokens_used_this_period, token_balance, paid_at, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.OrganizationID, sub.PlanID, string(sub.Status), sub.StartedAt.UTC(), utcPtr(sub.TrialEndsAt),
		sub.PeriodStart.UTC(), sub.PeriodEnd.UTC(), sub.TokensUsedThisPeriod, sub.TokenBalance, utcPtr(sub.PaidAt),
		sub.Version, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return sub, models.Errorf(models.KindInvalidState, "create subscription",
				"user %q already has a live subscription in organization %q", sub.UserID, sub.OrganizationID)
		}
		return sub, fmt.Errorf("insert subscription: %w", err)
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return sub, fmt.Errorf("subscription id: %w", err)
	}
	return sub, nil
}

// Get returns the subscription with the given id.
func (s *Store) Get(ctx context.Context, id int64) (models.Subscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, models.Errorf(models.KindNotFound, "subscription", "subscription %d not found", id)
	}
	if err != nil {
		return sub, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// Live returns the non-cancelled subscription for a user in an organization.
func (s *Store) Live(ctx context.Context, userID, orgID string) (models.Subscription, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+subCols+` FROM subscriptions
		 WHERE user_id = ? AND organization_id = ? AND status != 'cancelled'`, userID, orgID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, models.Errorf(models.KindNotFound, "subscription", "no live subscription for user %q in organization %q", userID, orgID)
	}
	if err != nil {
		return sub, fmt.Errorf("get live subscription: %w", err)
	}
	return sub, nil
}

// Update writes sub if its version still matches the stored row, returning
// the row with the bumped version. A lost race yields Conflict.
func (s *Store) Update(ctx context.Context, sub models.Subscription, now time.Time) (models.Subscription, error) {
	if sub.TokenBalance < 0 {
		return sub, models.Errorf(models.KindInsufficientTokens, "update subscription", "token balance would become %d", sub.TokenBalance)
	}
	now = now.UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE subscriptions SET plan_id = ?, status = ?, trial_ends_at = ?, period_start_date = ?,
			period_end_date = ?, tokens_used_this_period = ?, token_balance = ?, cancelled_at = ?,
			cancelled_reason = ?, paid_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.PlanID, string(sub.Status), utcPtr(sub.TrialEndsAt), sub.PeriodStart.UTC(),
		sub.PeriodEnd.UTC(), sub.TokensUsedThisPeriod, sub.TokenBalance, utcPtr(sub.CancelledAt),
		sub.CancelledReason, utcPtr(sub.PaidAt), now, sub.ID, sub.Version,
	)
	if err != nil {
		return sub, fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sub, fmt.Errorf("update subscription: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, sub.ID); err != nil {
			return sub, err
		}
		return sub, models.Errorf(models.KindConflict, "update subscription", "subscription %d changed concurrently (version %d)", sub.ID, sub.Version)
	}
	sub.Version++
	sub.UpdatedAt = now
	return sub, nil
}

// ListFilter narrows List.
type ListFilter struct {
	UserID         string
	OrganizationID string
	Status         models.Status
	Limit          int
}

// List returns subscriptions matching f, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Subscription, error) {
	query := `SELECT ` + subCols + ` FROM subscriptions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Due returns ids of subscriptions with a pending time-driven transition as of
// now: trials past their end and active subscriptions past their period end.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	now = now.UTC()
	query := `SELECT id FROM subscriptions
		WHERE (status = 'trial' AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?)
		   OR (status = 'active' AND period_end_date <= ?)
		ORDER BY id`
	args := []any{now, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due subscription: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
