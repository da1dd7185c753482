package ledger

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

// DefaultPageSize is used when a history query does not set a limit.
const DefaultPageSize = 50

// MaxPageSize caps history page sizes.
const MaxPageSize = 500

// Ledger records consumption and balance credits. It has no update or delete
// operations; corrections are new entries.
type Ledger struct {
	q store.Querier
}

// New creates a Ledger over q, which may be a *sql.DB or a *sql.Tx.
func New(q store.Querier) *Ledger {
	return &Ledger{q: q}
}

const entryCols = `id, charge_id, subscription_id, model_name, provider, input_tokens, output_tokens,
	tokens, cost, price, source_type, run_id, step_id, created_at`

// Append validates and stores a consumption entry, returning it with its id.
func (l *Ledger) Append(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	if err := validateEntry(e); err != nil {
		return e, err
	}
	if err := l.requireSubscription(ctx, "append", e.SubscriptionID); err != nil {
		return e, err
	}

	e.CreatedAt = e.CreatedAt.UTC()
	res, err := l.q.ExecContext(ctx,
		`INSERT INTO consumption_ledger (charge_id, subscription_id, model_name, provider, input_tokens,
			output_tokens, tokens, cost, price, source_type, run_id, step_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChargeID, e.SubscriptionID, e.ModelName, e.Provider, e.InputTokens,
		e.OutputTokens, e.Tokens, e.Cost, e.Price, string(e.SourceType), e.RunID, e.StepID, e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("append ledger entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return e, fmt.Errorf("ledger entry id: %w", err)
	}
	return e, nil
}

func validateEntry(e models.LedgerEntry) error {
	switch {
	case e.Tokens <= 0:
		return models.Errorf(models.KindInvalidEntry, "append", "token count must be positive, got %d", e.Tokens)
	case e.InputTokens < 0 || e.OutputTokens < 0:
		return models.Errorf(models.KindInvalidEntry, "append", "input/output token counts must not be negative")
	case !e.SourceType.Valid():
		return models.Errorf(models.KindInvalidEntry, "append", "unknown source type %q", e.SourceType)
	case e.ChargeID == "":
		return models.Errorf(models.KindInvalidEntry, "append", "charge id is required")
	}
	return nil
}

func (l *Ledger) requireSubscription(ctx context.Context, op string, id int64) error {
	var one int
	err := l.q.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Errorf(models.KindInvalidEntry, op, "subscription %d does not exist", id)
	}
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	return nil
}

// AppendCredit stores a balance credit fact.
func (l *Ledger) AppendCredit(ctx context.Context, p models.Purchase) (models.Purchase, error) {
	if p.Tokens <= 0 {
		return p, models.Errorf(models.KindInvalidEntry, "append credit", "token amount must be positive, got %d", p.Tokens)
	}
	if p.Kind != models.PurchasePackage && p.Kind != models.PurchaseGrant {
		return p, models.Errorf(models.KindInvalidEntry, "append credit", "unknown purchase kind %q", p.Kind)
	}
	if err := l.requireSubscription(ctx, "append credit", p.SubscriptionID); err != nil {
		return p, err
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}

	var pkg sql.NullString
	if p.PackageID != "" {
		pkg = sql.NullString{String: p.PackageID, Valid: true}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	res, err := l.q.ExecContext(ctx,
		`INSERT INTO purchase_history (subscription_id, package_id, kind, tokens, price_cents, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.SubscriptionID, pkg, string(p.Kind), p.Tokens, p.PriceCents, p.Currency, p.CreatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("append credit: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return p, fmt.Errorf("credit id: %w", err)
	}
	return p, nil
}

// SumConsumedInPeriod returns tokens recorded for a source inside [start, end).
func (l *Ledger) SumConsumedInPeriod(ctx context.Context, subscriptionID int64, source models.SourceType, start, end time.Time) (int64, error) {
	var total int64
	err := l.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM consumption_ledger
		 WHERE subscription_id = ? AND source_type = ? AND created_at >= ? AND created_at < ?`,
		subscriptionID, string(source), start.UTC(), end.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum consumed in period: %w", err)
	}
	return total, nil
}

// SumConsumed returns all tokens ever recorded for a source.
func (l *Ledger) SumConsumed(ctx context.Context, subscriptionID int64, source models.SourceType) (int64, error) {
	var total int64
	err := l.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM consumption_ledger WHERE subscription_id = ? AND source_type = ?`,
		subscriptionID, string(source),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum consumed: %w", err)
	}
	return total, nil
}

// SumCredits returns all tokens ever credited to the balance.
func (l *Ledger) SumCredits(ctx context.Context, subscriptionID int64) (int64, error) {
	var total int64
	err := l.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM purchase_history WHERE subscription_id = ?`,
		subscriptionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", err)
	}
	return total, nil
}

// Query returns one page of consumption history, newest first, plus the total
// number of matching entries.
func (l *Ledger) Query(ctx context.Context, hq models.HistoryQuery) (models.HistoryPage, error) {
	where := []string{"1=1"}
	var args []any
	if hq.SubscriptionID != 0 {
		where = append(where, "subscription_id = ?")
		args = append(args, hq.SubscriptionID)
	}
	if !hq.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, hq.From.UTC())
	}
	if !hq.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, hq.To.UTC())
	}
	if hq.Model != "" {
		where = append(where, "model_name = ?")
		args = append(args, hq.Model)
	}
	if hq.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, hq.Provider)
	}
	if hq.Source != "" {
		where = append(where, "source_type = ?")
		args = append(args, string(hq.Source))
	}
	cond := strings.Join(where, " AND ")

	page := models.HistoryPage{Limit: hq.Limit, Offset: hq.Offset}
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	if err := l.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM consumption_ledger WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count history: %w", err)
	}

	rows, err := l.q.QueryContext(ctx,
		`SELECT `+entryCols+` FROM consumption_ledger WHERE `+cond+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return page, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	page.Entries = []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return page, fmt.Errorf("scan ledger entry: %w", err)
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

// ByCharge returns the entries written by one charge, in write order.
func (l *Ledger) ByCharge(ctx context.Context, chargeID string) ([]models.LedgerEntry, error) {
	rows, err := l.q.QueryContext(ctx,
		`SELECT `+entryCols+` FROM consumption_ledger WHERE charge_id = ? ORDER BY id`, chargeID)
	if err != nil {
		return nil, fmt.Errorf("entries by charge: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface{ Scan(...any) error }) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var source string
	err := scanner.Scan(&e.ID, &e.ChargeID, &e.SubscriptionID, &e.ModelName, &e.Provider,
		&e.InputTokens, &e.OutputTokens, &e.Tokens, &e.Cost, &e.Price, &source,
		&e.RunID, &e.StepID, &e.CreatedAt)
	e.SourceType = models.SourceType(source)
	return e, err
}

// Purchases returns the credit history of a subscription, newest first.
func (l *Ledger) Purchases(ctx context.Context, subscriptionID int64) ([]models.Purchase, error) {
	rows, err := l.q.QueryContext(ctx,
		`SELECT id, subscription_id, package_id, kind, tokens, price_cents, currency, created_at
		 FROM purchase_history WHERE subscription_id = ? ORDER BY created_at DESC, id DESC`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	purchases := []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		var pkg sql.NullString
		var kind string
		if err := rows.Scan(&p.ID, &p.SubscriptionID, &pkg, &kind, &p.Tokens, &p.PriceCents, &p.Currency, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.PackageID = pkg.String
		p.Kind = models.PurchaseKind(kind)
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// Summary aggregates entries since a given time grouped by model, provider and
// source, optionally filtered by subscription.
func (l *Ledger) Summary(ctx context.Context, subscriptionID int64, since time.Time) ([]models.UsageSummary, error) {
	query := `SELECT model_name, provider, source_type, COUNT(DISTINCT charge_id),
		SUM(input_tokens), SUM(output_tokens), SUM(tokens), SUM(cost), SUM(price)
		FROM consumption_ledger WHERE created_at >= ?`
	args := []any{since.UTC()}
	if subscriptionID != 0 {
		query += ` AND subscription_id = ?`
		args = append(args, subscriptionID)
	}
	query += ` GROUP BY model_name, provider, source_type ORDER BY model_name, provider, source_type`

	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		var source string
		if err := rows.Scan(&s.ModelName, &s.Provider, &source, &s.ChargeCount,
			&s.InputTokens, &s.OutputTokens, &s.Tokens, &s.Cost, &s.Price); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.SourceType = models.SourceType(source)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Verify compares a stored balance with the credits and balance debits on record.
func (l *Ledger) Verify(ctx context.Context, subscriptionID, storedBalance int64) (models.BalanceReport, error) {
	report := models.BalanceReport{SubscriptionID: subscriptionID, Stored: storedBalance}
	var err error
	if report.Credits, err = l.SumCredits(ctx, subscriptionID); err != nil {
		return report, err
	}
	if report.Debits, err = l.SumConsumed(ctx, subscriptionID, models.SourceBalance); err != nil {
		return report, err
	}
	return report, nil
}
