// Package catalog stores subscription plans and token packages.
//
// Plans referenced by a subscription are frozen: changing one in place is
// rejected, and a new plan id has to be introduced instead.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

// Store reads and writes catalog rows.
type Store struct {
	q store.Querier
}

// New creates a catalog Store over q.
func New(q store.Querier) *Store {
	return &Store{q: q}
}

const planCols = `id, name, monthly_tokens, monthly_price_cents, currency, is_trial, trial_days,
	period_days, features, is_active, is_visible, created_at`

func scanPlan(scanner interface{ Scan(...any) error }) (models.Plan, error) {
	var p models.Plan
	var price sql.NullInt64
	var trialDays sql.NullInt64
	var features string
	var isTrial, isActive, isVisible int
	err := scanner.Scan(&p.ID, &p.Name, &p.MonthlyTokens, &price, &p.Currency, &isTrial, &trialDays,
		&p.PeriodDays, &features, &isActive, &isVisible, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	if price.Valid {
		p.MonthlyPriceCents = &price.Int64
	}
	if trialDays.Valid {
		d := int(trialDays.Int64)
		p.TrialDays = &d
	}
	p.IsTrial = isTrial != 0
	p.IsActive = isActive != 0
	p.IsVisible = isVisible != 0
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return p, fmt.Errorf("decode features: %w", err)
	}
	return p, nil
}

// Plan returns the plan with the given id.
func (s *Store) Plan(ctx context.Context, id string) (models.Plan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, models.Errorf(models.KindNotFound, "plan", "plan %q not found", id)
	}
	if err != nil {
		return p, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// Plans lists plans ordered by allotment. visibleOnly limits the result to
// active, visible plans.
func (s *Store) Plans(ctx context.Context, visibleOnly bool) ([]models.Plan, error) {
	query := `SELECT ` + planCols + ` FROM plans`
	if visibleOnly {
		query += ` WHERE is_active = 1 AND is_visible = 1`
	}
	query += ` ORDER BY monthly_tokens, id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := []models.Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpsertPlan inserts a plan or updates an unreferenced one.
func (s *Store) UpsertPlan(ctx context.Context, p models.Plan, now time.Time) error {
	if p.ID == "" {
		return models.Errorf(models.KindInvalidRequest, "upsert plan", "plan id is required")
	}
	if p.MonthlyTokens < 0 {
		return models.Errorf(models.KindInvalidAmount, "upsert plan", "plan %q: monthly_tokens must not be negative", p.ID)
	}
	p = normalizePlan(p)

	existing, err := s.Plan(ctx, p.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return s.insertPlan(ctx, p, now)
	case err != nil:
		return err
	case samePlan(existing, p):
		return nil
	}

	var refs int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE plan_id = ?`, p.ID).Scan(&refs); err != nil {
		return fmt.Errorf("count plan references: %w", err)
	}
	if refs > 0 {
		return models.Errorf(models.KindInvalidState, "upsert plan",
			"plan %q is referenced by %d subscriptions; introduce a new plan id instead", p.ID, refs)
	}

	features, _ := json.Marshal(p.Features)
	_, err = s.q.ExecContext(ctx,
		`UPDATE plans SET name = ?, monthly_tokens = ?, monthly_price_cents = ?, currency = ?, is_trial = ?,
			trial_days = ?, period_days = ?, features = ?, is_active = ?, is_visible = ?
		 WHERE id = ?`,
		p.Name, p.MonthlyTokens, nullInt64(p.MonthlyPriceCents), p.Currency, store.BoolInt(p.IsTrial),
		nullInt(p.TrialDays), p.PeriodDays, string(features), store.BoolInt(p.IsActive), store.BoolInt(p.IsVisible),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	return nil
}

func (s *Store) insertPlan(ctx context.Context, p models.Plan, now time.Time) error {
	features, _ := json.Marshal(p.Features)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plans (id, name, monthly_tokens, monthly_price_cents, currency, is_trial, trial_days,
			period_days, features, is_active, is_visible, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.MonthlyTokens, nullInt64(p.MonthlyPriceCents), p.Currency, store.BoolInt(p.IsTrial),
		nullInt(p.TrialDays), p.PeriodDays, string(features), store.BoolInt(p.IsActive), store.BoolInt(p.IsVisible),
		now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func normalizePlan(p models.Plan) models.Plan {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.PeriodDays <= 0 {
		p.PeriodDays = models.DefaultPeriodDays
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	return p
}

// samePlan compares everything except CreatedAt.
func samePlan(a, b models.Plan) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.MonthlyTokens == b.MonthlyTokens &&
		equalPtr(a.MonthlyPriceCents, b.MonthlyPriceCents) &&
		a.Currency == b.Currency &&
		a.IsTrial == b.IsTrial &&
		equalPtr(a.TrialDays, b.TrialDays) &&
		a.PeriodDays == b.PeriodDays &&
		slices.Equal(a.Features, b.Features) &&
		a.IsActive == b.IsActive &&
		a.IsVisible == b.IsVisible
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

const packageCols = `id, name, tokens, price_cents, currency, is_active, is_visible, created_at`

func scanPackage(scanner interface{ Scan(...any) error }) (models.TokenPackage, error) {
	var p models.TokenPackage
	var isActive, isVisible int
	err := scanner.Scan(&p.ID, &p.Name, &p.Tokens, &p.PriceCents, &p.Currency, &isActive, &isVisible, &p.CreatedAt)
	p.IsActive = isActive != 0
	p.IsVisible = isVisible != 0
	return p, err
}

// Package returns the token package with the given id.
func (s *Store) Package(ctx context.Context, id string) (models.TokenPackage, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+packageCols+` FROM token_packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, models.Errorf(models.KindNotFound, "package", "package %q not found", id)
	}
	if err != nil {
		return p, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

// Packages lists token packages ordered by size.
func (s *Store) Packages(ctx context.Context, visibleOnly bool) ([]models.TokenPackage, error) {
	query := `SELECT ` + packageCols + ` FROM token_packages`
	if visibleOnly {
		query += ` WHERE is_active = 1 AND is_visible = 1`
	}
	query += ` ORDER BY tokens, id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	packages := []models.TokenPackage{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// UpsertPackage inserts a package or updates one that was never purchased.
func (s *Store) UpsertPackage(ctx context.Context, p models.TokenPackage, now time.Time) error {
	if p.ID == "" {
		return models.Errorf(models.KindInvalidRequest, "upsert package", "package id is required")
	}
	if p.Tokens <= 0 {
		return models.Errorf(models.KindInvalidAmount, "upsert package", "package %q: tokens must be positive", p.ID)
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	existing, err := s.Package(ctx, p.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO token_packages (id, name, tokens, price_cents, currency, is_active, is_visible, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Tokens, p.PriceCents, p.Currency, store.BoolInt(p.IsActive), store.BoolInt(p.IsVisible), now.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		return nil
	case err != nil:
		return err
	}

	existing.CreatedAt = p.CreatedAt
	if existing == p {
		return nil
	}

	var refs int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchase_history WHERE package_id = ?`, p.ID).Scan(&refs); err != nil {
		return fmt.Errorf("count package references: %w", err)
	}
	// Visibility may still change once purchased; amounts may not.
	if refs > 0 && (existing.Tokens != p.Tokens || existing.PriceCents != p.PriceCents || existing.Currency != p.Currency) {
		return models.Errorf(models.KindInvalidState, "upsert package",
			"package %q has been purchased; introduce a new package id instead", p.ID)
	}

	_, err = s.q.ExecContext(ctx,
		`UPDATE token_packages SET name = ?, tokens = ?, price_cents = ?, currency = ?, is_active = ?, is_visible = ?
		 WHERE id = ?`,
		p.Name, p.Tokens, p.PriceCents, p.Currency, store.BoolInt(p.IsActive), store.BoolInt(p.IsVisible), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update package: %w", err)
	}
	return nil
}

// Sync upserts the configured catalog.
func (s *Store) Sync(ctx context.Context, plans []models.Plan, packages []models.TokenPackage, now time.Time) error {
	for _, p := range plans {
		if err := s.UpsertPlan(ctx, p, now); err != nil {
			return fmt.Errorf("sync plan %s: %w", p.ID, err)
		}
	}
	for _, p := range packages {
		if err := s.UpsertPackage(ctx, p, now); err != nil {
			return fmt.Errorf("sync package %s: %w", p.ID, err)
		}
	}
	return nil
}
