// Package billing is the accounting engine: it routes charges across funding
// sources and applies plan changes, holding the per-subscription lock and
// transaction boundaries that keep the ledger invariants.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokenmeter/pkg/catalog"
	"github.com/pario-ai/tokenmeter/pkg/entitlement"
	"github.com/pario-ai/tokenmeter/pkg/ledger"
	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/metrics"
	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/pricing"
	"github.com/pario-ai/tokenmeter/pkg/store"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

// Auditor records accounting events.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// SnapshotCache serves read-only entitlement queries.
type SnapshotCache interface {
	Get(ctx context.Context, subscriptionID int64) (models.Snapshot, bool)
	Put(ctx context.Context, snap models.Snapshot) error
	Invalidate(ctx context.Context, subscriptionID int64) error
}

// Options configures an Engine. Every field is optional.
type Options struct {
	Policy  models.BalancePolicy
	Pricing *pricing.Resolver
	Audit   Auditor
	Cache   SnapshotCache
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Engine performs every balance-affecting operation.
type Engine struct {
	db      *sql.DB
	locks   *store.KeyedMutex
	calc    *entitlement.Calculator
	pricing *pricing.Resolver
	audit   Auditor
	cache   SnapshotCache
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an Engine over db, which must have been opened by store.Open.
func New(db *sql.DB, opts Options) *Engine {
	e := &Engine{
		db:      db,
		locks:   store.NewKeyedMutex(),
		calc:    entitlement.New(opts.Policy),
		pricing: opts.Pricing,
		audit:   opts.Audit,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     zerolog.Nop(),
		now:     opts.Now,
	}
	if opts.Logger != nil {
		e.log = opts.Logger.With().Str("component", "billing").Logger()
	}
	if e.pricing == nil {
		e.pricing = pricing.New(nil)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Policy returns the balance policy in effect.
func (e *Engine) Policy() models.BalancePolicy {
	return e.calc.Policy()
}

// stores binds the repositories to one transaction.
type stores struct {
	subs    *subscription.Store
	ledger  *ledger.Ledger
	catalog *catalog.Store
}

func storesFor(q store.Querier) stores {
	return stores{subs: subscription.New(q), ledger: ledger.New(q), catalog: catalog.New(q)}
}

// event is an accounting fact emitted after its transaction commits.
type event struct {
	models.AuditEntry
	breakdown models.SourceBreakdown
	repaired  bool
}

type opFunc func(ctx context.Context, s stores, sub models.Subscription, plan models.Plan, now time.Time) ([]event, error)

// mutate runs fn for subscription id under its lock. Pending lifecycle
// transitions are persisted first in their own transaction so they stick
// even when fn is rejected.
func (e *Engine) mutate(ctx context.Context, id int64, fn opFunc) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	now := e.now().UTC()
	if err := e.advanceLocked(ctx, id, now); err != nil {
		return err
	}

	var evs []event
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		s := storesFor(tx)
		sub, plan, err := load(ctx, s, id)
		if err != nil {
			return err
		}
		evs, err = fn(ctx, s, sub, plan, now)
		return err
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, id)
	e.emit(ctx, evs)
	return nil
}

// advanceLocked persists due lifecycle transitions. The caller holds the lock.
func (e *Engine) advanceLocked(ctx context.Context, id int64, now time.Time) error {
	var evs []event
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		s := storesFor(tx)
		sub, plan, err := load(ctx, s, id)
		if err != nil {
			return err
		}
		next, lifecycle := subscription.Advance(sub, plan, now)
		if len(lifecycle) == 0 {
			return nil
		}
		if _, err := s.subs.Update(ctx, next, now); err != nil {
			return err
		}
		evs = lifecycleEvents(sub, lifecycle, now)
		return nil
	})
	if err != nil {
		return err
	}
	if len(evs) > 0 {
		e.invalidate(ctx, id)
		e.emit(ctx, evs)
	}
	return nil
}

func load(ctx context.Context, s stores, id int64) (models.Subscription, models.Plan, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return sub, models.Plan{}, err
	}
	plan, err := s.catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		return sub, plan, fmt.Errorf("plan of subscription %d: %w", id, err)
	}
	return sub, plan, nil
}

func lifecycleEvents(before models.Subscription, lifecycle []subscription.Event, now time.Time) []event {
	evs := make([]event, 0, len(lifecycle))
	for _, l := range lifecycle {
		entry := models.AuditEntry{SubscriptionID: before.ID, CreatedAt: now}
		switch l.Kind {
		case subscription.EventTrialExpired:
			entry.Action = models.AuditTrialExpired
			entry.FromValue = string(models.StatusTrial)
			entry.ToValue = string(models.StatusExpired)
		case subscription.EventRollover:
			entry.Action = models.AuditPeriodRollover
			entry.Tokens = before.TokensUsedThisPeriod
			entry.FromValue = before.PeriodStart.Format(time.RFC3339)
			entry.ToValue = l.PeriodStart.Format(time.RFC3339)
			entry.Detail = "periods=" + strconv.Itoa(l.Periods)
		}
		evs = append(evs, event{AuditEntry: entry})
	}
	return evs
}

func (e *Engine) invalidate(ctx context.Context, id int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, id); err != nil {
		e.log.Warn().Err(err).Int64("subscription_id", id).Msg("snapshot cache invalidate failed")
	}
}

func (e *Engine) emit(ctx context.Context, evs []event) {
	reqID := logging.RequestID(ctx)
	for _, ev := range evs {
		ev.RequestID = reqID
		switch ev.Action {
		case models.AuditCharge:
			e.metrics.RecordCharge(metrics.OutcomeSuccess, ev.breakdown.Subscription, ev.breakdown.Balance)
		case models.AuditChargeRejected:
			e.metrics.RecordCharge(metrics.OutcomeInsufficient, 0, 0)
		case models.AuditTokensAdded:
			e.metrics.RecordCredit(string(models.PurchaseGrant), ev.Tokens)
		case models.AuditPackagePurchase:
			e.metrics.RecordCredit(string(models.PurchasePackage), ev.Tokens)
		default:
			e.metrics.RecordLifecycle(string(ev.Action))
		}
		if ev.repaired {
			e.metrics.RecordCounterRepair()
			e.log.Warn().Int64("subscription_id", ev.SubscriptionID).Msg("cached period counter repaired from ledger")
		}

		lvl := zerolog.InfoLevel
		if ev.Action == models.AuditCharge {
			lvl = zerolog.DebugLevel
		}
		e.log.WithLevel(lvl).
			Str("request_id", reqID).
			Int64("subscription_id", ev.SubscriptionID).
			Str("action", string(ev.Action)).
			Int64("tokens", ev.Tokens).
			Str("from", ev.FromValue).
			Str("to", ev.ToValue).
			Msg("accounting event")

		if e.audit == nil {
			continue
		}
		if err := e.audit.Log(ctx, ev.AuditEntry); err != nil {
			e.log.Warn().Err(err).Str("action", string(ev.Action)).Msg("audit log failed")
		}
	}
}

// Get returns a subscription with due lifecycle transitions applied in memory.
func (e *Engine) Get(ctx context.Context, id int64) (models.Subscription, error) {
	sub, plan, err := load(ctx, storesFor(e.db), id)
	if err != nil {
		return sub, err
	}
	sub, _ = subscription.Advance(sub, plan, e.now().UTC())
	return sub, nil
}

// Snapshot returns the entitlement of a subscription, possibly from cache.
// It never writes; due transitions are applied in memory only.
func (e *Engine) Snapshot(ctx context.Context, id int64) (models.Snapshot, error) {
	if e.cache != nil {
		if snap, ok := e.cache.Get(ctx, id); ok {
			return snap, nil
		}
	}
	snap, err := e.FreshSnapshot(ctx, id)
	if err != nil {
		return snap, err
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, snap); err != nil {
			e.log.Warn().Err(err).Int64("subscription_id", id).Msg("snapshot cache put failed")
		}
	}
	return snap, nil
}

// FreshSnapshot computes the entitlement from the ledger, bypassing the cache.
func (e *Engine) FreshSnapshot(ctx context.Context, id int64) (models.Snapshot, error) {
	s := storesFor(e.db)
	sub, plan, err := load(ctx, s, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	now := e.now().UTC()
	sub, _ = subscription.Advance(sub, plan, now)
	used, err := s.ledger.SumConsumedInPeriod(ctx, sub.ID, models.SourceSubscription, sub.PeriodStart, sub.PeriodEnd)
	if err != nil {
		return models.Snapshot{}, err
	}
	return e.calc.Compute(entitlement.Input{Subscription: sub, Plan: plan, Used: used, Now: now}), nil
}

// CreateSubscription starts a subscription for a user in an organization.
func (e *Engine) CreateSubscription(ctx context.Context, userID, orgID, planID string) (models.Subscription, error) {
	now := e.now().UTC()
	var created models.Subscription
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		s := storesFor(tx)
		plan, err := s.catalog.Plan(ctx, planID)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return models.Errorf(models.KindInvalidRequest, "create subscription", "plan %q is not available", planID)
		}
		created, err = s.subs.Create(ctx, subscription.Start(userID, orgID, plan, now), now)
		return err
	})
	if err != nil {
		return created, err
	}
	e.emit(ctx, []event{{AuditEntry: models.AuditEntry{
		SubscriptionID: created.ID,
		Action:         models.AuditSubscribed,
		ToValue:        planID,
		Detail:         "status=" + string(created.Status),
		CreatedAt:      now,
	}}})
	return created, nil
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Due      int `json:"due"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

// Sweep persists every due trial expiry and period rollover.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep(time.Since(start)) }()

	now := e.now().UTC()
	ids, err := subscription.New(e.db).Due(ctx, now, 0)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Due: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := func() error {
			unlock := e.locks.Lock(id)
			defer unlock()
			return e.advanceLocked(ctx, id, e.now().UTC())
		}()
		if err != nil {
			report.Failed++
			e.log.Warn().Err(err).Int64("subscription_id", id).Msg("sweep advance failed")
			continue
		}
		report.Advanced++
	}
	return report, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := e.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if report.Due > 0 {
				e.log.Info().Int("due", report.Due).Int("advanced", report.Advanced).Int("failed", report.Failed).Msg("sweep")
			}
		}
	}
}
