package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/catalog"
	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/store"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

// History returns a page of consumption history.
func (e *Engine) History(ctx context.Context, q models.HistoryQuery) (models.HistoryPage, error) {
	s := storesFor(e.db)
	if q.SubscriptionID != 0 {
		if _, err := s.subs.Get(ctx, q.SubscriptionID); err != nil {
			return models.HistoryPage{}, err
		}
	}
	return s.ledger.Query(ctx, q)
}

// Purchases returns the credit history of a subscription.
func (e *Engine) Purchases(ctx context.Context, id int64) ([]models.Purchase, error) {
	s := storesFor(e.db)
	if _, err := s.subs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Purchases(ctx, id)
}

// Summary aggregates consumption since the given time. id 0 covers every
// subscription.
func (e *Engine) Summary(ctx context.Context, id int64, since time.Time) ([]models.UsageSummary, error) {
	return storesFor(e.db).ledger.Summary(ctx, id, since)
}

// Verify checks the stored balance of a subscription against its credits and
// balance-sourced debits.
func (e *Engine) Verify(ctx context.Context, id int64) (models.BalanceReport, error) {
	s := storesFor(e.db)
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return models.BalanceReport{}, err
	}
	return s.ledger.Verify(ctx, id, sub.TokenBalance)
}

// List returns subscriptions matching f.
func (e *Engine) List(ctx context.Context, f subscription.ListFilter) ([]models.Subscription, error) {
	return subscription.New(e.db).List(ctx, f)
}

// Plans lists the plan catalog.
func (e *Engine) Plans(ctx context.Context, visibleOnly bool) ([]models.Plan, error) {
	return catalog.New(e.db).Plans(ctx, visibleOnly)
}

// Packages lists the token package catalog.
func (e *Engine) Packages(ctx context.Context, visibleOnly bool) ([]models.TokenPackage, error) {
	return catalog.New(e.db).Packages(ctx, visibleOnly)
}

// SyncCatalog upserts configured plans and packages in one transaction.
func (e *Engine) SyncCatalog(ctx context.Context, plans []models.Plan, packages []models.TokenPackage) error {
	return store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		return catalog.New(tx).Sync(ctx, plans, packages, e.now().UTC())
	})
}
