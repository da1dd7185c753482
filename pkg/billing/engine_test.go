package billing

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/pario-ai/tokenmeter/pkg/cache/sqlite"
	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/pricing"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (r *recorder) Log(_ context.Context, e models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) count(action models.AuditAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func ptr[T any](v T) *T { return &v }

func testPlans() []models.Plan {
	return []models.Plan{
		{ID: "free", Name: "Free", MonthlyTokens: 1000, IsActive: true, IsVisible: true},
		{ID: "trial", Name: "Trial", MonthlyTokens: 10000, IsTrial: true, TrialDays: ptr(14), IsActive: true, IsVisible: true},
		{ID: "pro", Name: "Pro", MonthlyTokens: 100000, MonthlyPriceCents: ptr(int64(2900)), IsActive: true, IsVisible: true},
		{ID: "team", Name: "Team", MonthlyTokens: 500000, MonthlyPriceCents: ptr(int64(9900)), PeriodDays: 7, IsActive: true, IsVisible: true},
		{ID: "retired", Name: "Retired", MonthlyTokens: 50000, MonthlyPriceCents: ptr(int64(1900)), IsActive: false},
	}
}

func testPackages() []models.TokenPackage {
	return []models.TokenPackage{
		{ID: "small", Name: "Small", Tokens: 5000, PriceCents: 499, IsActive: true, IsVisible: true},
		{ID: "legacy", Name: "Legacy", Tokens: 9000, PriceCents: 799, IsActive: false},
	}
}

type harness struct {
	*Engine
	db    *sql.DB
	clock *clock
	audit *recorder
}

func newHarness(t *testing.T, mod ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "billing_test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, clock: &clock{now: t0}, audit: &recorder{}}
	opts := Options{
		Policy:  models.BalancePolicy{SpendableWhenExpired: true},
		Pricing: pricing.New([]models.ModelPricing{{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06}}),
		Audit:   h.audit,
		Now:     h.clock.Now,
	}
	for _, m := range mod {
		m(&opts)
	}
	h.Engine = New(db, opts)
	require.NoError(t, h.SyncCatalog(ctx, testPlans(), testPackages()))
	return h
}

func (h *harness) subscribe(t *testing.T, user, plan string) models.Subscription {
	t.Helper()
	sub, err := h.CreateSubscription(context.Background(), user, "acme", plan)
	require.NoError(t, err)
	return sub
}

func (h *harness) charge(id, tokens int64) (*models.ChargeResult, error) {
	return h.Charge(context.Background(), models.ChargeRequest{
		SubscriptionID: id, TokenCount: tokens, ModelName: "gpt-4", Provider: "openai",
	})
}

func (h *harness) snapshot(t *testing.T, id int64) models.Snapshot {
	t.Helper()
	snap, err := h.FreshSnapshot(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func TestScenarioSplitAcrossSources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")

	res, err := h.charge(sub.ID, 60000)
	require.NoError(t, err)
	assert.Equal(t, models.SourceBreakdown{Subscription: 60000}, res.SourceBreakdown)
	assert.EqualValues(t, 40000, res.NewAvailableTokens)
	assert.EqualValues(t, 40000, h.snapshot(t, sub.ID).TokensRemaining)

	_, err = h.charge(sub.ID, 50000)
	require.ErrorIs(t, err, models.ErrInsufficientTokens)
	page, err := h.History(ctx, models.HistoryQuery{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total, "a rejected charge writes nothing")
	assert.EqualValues(t, 40000, h.snapshot(t, sub.ID).TokensRemaining)

	_, err = h.AddTokens(ctx, sub.ID, 10000)
	require.NoError(t, err)

	res, err = h.charge(sub.ID, 50000)
	require.NoError(t, err)
	assert.Equal(t, models.SourceBreakdown{Subscription: 40000, Balance: 10000}, res.SourceBreakdown)
	assert.Zero(t, res.NewAvailableTokens)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, models.SourceSubscription, res.Entries[0].SourceType)
	assert.Equal(t, models.SourceBalance, res.Entries[1].SourceType)
	assert.Equal(t, res.ChargeID, res.Entries[1].ChargeID)

	snap := h.snapshot(t, sub.ID)
	assert.Zero(t, snap.TokensRemaining)
	assert.Zero(t, snap.TokenBalance)
	assert.EqualValues(t, 100000, snap.TokensUsedThisPeriod)

	assert.Equal(t, 2, h.audit.count(models.AuditCharge))
	assert.Equal(t, 1, h.audit.count(models.AuditChargeRejected))
}

func TestScenarioBalanceOnlyCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "free")

	_, err := h.charge(sub.ID, 1000)
	require.NoError(t, err)
	require.Zero(t, h.snapshot(t, sub.ID).TokensRemaining)

	credit, err := h.AddTokens(ctx, sub.ID, 5000)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, credit.TokenBalance)
	assert.Equal(t, models.PurchaseGrant, credit.Purchase.Kind)

	res, err := h.charge(sub.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, models.SourceBreakdown{Balance: 5000}, res.SourceBreakdown)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, models.SourceBalance, res.Entries[0].SourceType)

	got, err := h.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TokenBalance)

	report, err := h.Verify(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.EqualValues(t, 5000, report.Credits)
	assert.EqualValues(t, 5000, report.Debits)
}

func TestScenarioExtendTrialOnActive(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "alice", "pro")

	_, err := h.ExtendTrial(context.Background(), sub.ID, 7)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Zero(t, h.audit.count(models.AuditTrialExtended))
}

func TestScenarioPaidToTrialRejected(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "alice", "pro")

	_, err := h.ChangePlan(context.Background(), sub.ID, "trial")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := h.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.PlanID)
}

func TestTrialNotReacquiredThroughFreePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("paid then free", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "alice", "pro")
		require.NotNil(t, sub.PaidAt)

		_, err := h.ChangePlan(ctx, sub.ID, "free")
		require.NoError(t, err)
		_, err = h.ChangePlan(ctx, sub.ID, "trial")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		got, err := h.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "free", got.PlanID)
		assert.False(t, h.snapshot(t, sub.ID).IsTrial)
	})

	t.Run("trial upgraded to paid then free", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "bob", "trial")
		assert.Nil(t, sub.PaidAt)

		upgraded, err := h.ChangePlan(ctx, sub.ID, "pro")
		require.NoError(t, err)
		require.NotNil(t, upgraded.PaidAt)
		assert.Equal(t, t0, *upgraded.PaidAt)

		_, err = h.ChangePlan(ctx, sub.ID, "free")
		require.NoError(t, err)
		_, err = h.ChangePlan(ctx, sub.ID, "trial")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

func TestScenarioRolloverKeepsTimelineContiguous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")
	_, err := h.AddTokens(ctx, sub.ID, 700)
	require.NoError(t, err)
	_, err = h.charge(sub.ID, 30000)
	require.NoError(t, err)

	oldEnd := sub.PeriodEnd
	h.clock.Advance(oldEnd.Sub(t0) + 3*24*time.Hour)

	snap := h.snapshot(t, sub.ID)
	assert.Equal(t, oldEnd, snap.PeriodStart, "new period starts at the old end, not at now")
	assert.Equal(t, oldEnd.Add(30*24*time.Hour), snap.PeriodEnd)
	assert.Zero(t, snap.TokensUsedThisPeriod)
	assert.EqualValues(t, 700, snap.TokenBalance, "balance carries over")

	stored, err := subscriptionRow(h, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, stored.PeriodStart, "read-only snapshots do not persist the rollover")

	_, err = h.charge(sub.ID, 10)
	require.NoError(t, err)
	_, err = h.charge(sub.ID, 10)
	require.NoError(t, err)
	report, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	stored, err = subscriptionRow(h, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.PeriodStart.Equal(oldEnd))
	assert.EqualValues(t, 20, stored.TokensUsedThisPeriod)
	assert.Equal(t, 1, h.audit.count(models.AuditPeriodRollover), "rollover fires once")
}

func subscriptionRow(h *harness, id int64) (models.Subscription, error) {
	return storesFor(h.db).subs.Get(context.Background(), id)
}

func TestChargeWithinAllotmentNeverTouchesBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")
	_, err := h.AddTokens(ctx, sub.ID, 50000)
	require.NoError(t, err)

	for range 5 {
		res, err := h.charge(sub.ID, 20000)
		require.NoError(t, err)
		assert.Zero(t, res.SourceBreakdown.Balance)
		require.Len(t, res.Entries, 1)
	}

	page, err := h.History(ctx, models.HistoryQuery{SubscriptionID: sub.ID, Source: models.SourceBalance})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestChargeValidation(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "alice", "pro")
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.ChargeRequest
		want error
	}{
		{"zero tokens", models.ChargeRequest{SubscriptionID: sub.ID, ModelName: "gpt-4"}, models.ErrInvalidEntry},
		{"negative tokens", models.ChargeRequest{SubscriptionID: sub.ID, TokenCount: -1, ModelName: "gpt-4"}, models.ErrInvalidEntry},
		{"split mismatch", models.ChargeRequest{SubscriptionID: sub.ID, TokenCount: 10, InputTokens: 3, OutputTokens: 3, ModelName: "gpt-4"}, models.ErrInvalidEntry},
		{"missing model", models.ChargeRequest{SubscriptionID: sub.ID, TokenCount: 10}, models.ErrInvalidEntry},
		{"unknown subscription", models.ChargeRequest{SubscriptionID: 999, TokenCount: 10, ModelName: "gpt-4"}, models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Charge(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChargeSplitsInputOutputAndPrices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "free")
	_, err := h.AddTokens(ctx, sub.ID, 5000)
	require.NoError(t, err)

	res, err := h.Charge(ctx, models.ChargeRequest{
		SubscriptionID: sub.ID, InputTokens: 1200, OutputTokens: 800,
		ModelName: "gpt-4", Provider: "openai", RunID: "run-1", StepID: "step-2",
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	subEntry, balEntry := res.Entries[0], res.Entries[1]
	assert.EqualValues(t, 1000, subEntry.Tokens)
	assert.EqualValues(t, 1000, subEntry.InputTokens)
	assert.Zero(t, subEntry.OutputTokens)
	assert.InDelta(t, 0.03, subEntry.Cost, 1e-9)

	assert.EqualValues(t, 1000, balEntry.Tokens)
	assert.EqualValues(t, 200, balEntry.InputTokens)
	assert.EqualValues(t, 800, balEntry.OutputTokens)
	assert.InDelta(t, 0.006+0.048, balEntry.Cost, 1e-9)
	assert.Equal(t, "run-1", balEntry.RunID)
	assert.Equal(t, "step-2", balEntry.StepID)
}

func TestAllotmentInvariantUnderManyCharges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "free")
	_, err := h.AddTokens(ctx, sub.ID, 2000)
	require.NoError(t, err)

	for _, n := range []int64{300, 450, 120, 700, 999, 50, 800, 25} {
		_, _ = h.charge(sub.ID, n)

		used, err := storesFor(h.db).ledger.SumConsumedInPeriod(ctx, sub.ID, models.SourceSubscription, sub.PeriodStart, sub.PeriodEnd)
		require.NoError(t, err)
		assert.LessOrEqual(t, used, int64(1000))

		report, err := h.Verify(ctx, sub.ID)
		require.NoError(t, err)
		assert.True(t, report.Consistent(), "balance %d != credits %d - debits %d", report.Stored, report.Credits, report.Debits)
		assert.GreaterOrEqual(t, report.Stored, int64(0))
	}
}

func TestCounterRepairedFromLedger(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "alice", "pro")

	_, err := h.charge(sub.ID, 500)
	require.NoError(t, err)
	_, err = h.db.Exec(`UPDATE subscriptions SET tokens_used_this_period = 99999 WHERE id = ?`, sub.ID)
	require.NoError(t, err)

	res, err := h.charge(sub.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, models.SourceBreakdown{Subscription: 100}, res.SourceBreakdown, "the ledger, not the counter, decides")

	stored, err := subscriptionRow(h, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 600, stored.TokensUsedThisPeriod)
}

func TestTrialExpiryIsObservedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "bob", "trial")
	require.Equal(t, models.StatusTrial, sub.Status)

	snap := h.snapshot(t, sub.ID)
	assert.True(t, snap.IsTrial)
	assert.Equal(t, 14, snap.TrialDaysRemaining)
	assert.EqualValues(t, 10000, snap.AvailableTokens)

	h.clock.Advance(15 * 24 * time.Hour)

	snap = h.snapshot(t, sub.ID)
	assert.Equal(t, models.StatusExpired, snap.Status)
	assert.Zero(t, snap.TokensRemaining)
	assert.Zero(t, h.audit.count(models.AuditTrialExpired), "snapshots do not fire events")

	report, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Due: 1, Advanced: 1}, report)

	report, err = h.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	_, err = h.charge(sub.ID, 1)
	assert.ErrorIs(t, err, models.ErrInsufficientTokens)
	assert.Equal(t, 1, h.audit.count(models.AuditTrialExpired))

	stored, err := subscriptionRow(h, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)
}

func TestExpiryPersistsEvenWhenOperationFails(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "bob", "trial")
	h.clock.Advance(15 * 24 * time.Hour)

	_, err := h.ExtendTrial(context.Background(), sub.ID, 3)
	assert.ErrorIs(t, err, models.ErrInvalidState, "the trial has already ended")

	stored, err := subscriptionRow(h, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)
	assert.Equal(t, 1, h.audit.count(models.AuditTrialExpired))
}

func TestExtendTrial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "bob", "trial")

	_, err := h.ExtendTrial(ctx, sub.ID, 0)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	ext, err := h.ExtendTrial(ctx, sub.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(21*24*time.Hour), *ext.TrialEndsAt)
	assert.Equal(t, *ext.TrialEndsAt, ext.PeriodEnd)

	h.clock.Advance(18 * 24 * time.Hour)
	snap := h.snapshot(t, sub.ID)
	assert.Equal(t, models.StatusTrial, snap.Status)
	assert.Equal(t, 3, snap.TrialDaysRemaining)
}

func TestBalancePolicy(t *testing.T) {
	t.Run("expired keeps balance spendable by default", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "bob", "trial")
		_, err := h.AddTokens(ctx, sub.ID, 300)
		require.NoError(t, err)
		h.clock.Advance(15 * 24 * time.Hour)

		res, err := h.charge(sub.ID, 300)
		require.NoError(t, err)
		assert.Equal(t, models.SourceBreakdown{Balance: 300}, res.SourceBreakdown)
	})

	t.Run("cancelled freezes balance by default", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		sub := h.subscribe(t, "alice", "pro")
		_, err := h.AddTokens(ctx, sub.ID, 300)
		require.NoError(t, err)

		cancelled, err := h.Cancel(ctx, sub.ID, "switching vendor")
		require.NoError(t, err)
		assert.EqualValues(t, 300, cancelled.TokenBalance, "cancellation keeps the balance")

		_, err = h.charge(sub.ID, 1)
		assert.ErrorIs(t, err, models.ErrInsufficientTokens)
	})

	t.Run("cancelled with permissive policy", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Policy.SpendableWhenCancelled = true })
		ctx := context.Background()
		sub := h.subscribe(t, "alice", "pro")
		_, err := h.AddTokens(ctx, sub.ID, 300)
		require.NoError(t, err)
		_, err = h.Cancel(ctx, sub.ID, "")
		require.NoError(t, err)

		res, err := h.charge(sub.ID, 200)
		require.NoError(t, err)
		assert.Equal(t, models.SourceBreakdown{Balance: 200}, res.SourceBreakdown)
	})
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")
	_, err := h.charge(sub.ID, 100)
	require.NoError(t, err)

	cancelled, err := h.Cancel(ctx, sub.ID, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledReason)
	assert.Equal(t, "too expensive", *cancelled.CancelledReason)

	_, err = h.Cancel(ctx, sub.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	page, err := h.History(ctx, models.HistoryQuery{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total, "history survives cancellation")

	_, err = h.ChangePlan(ctx, sub.ID, "team")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = h.AddTokens(ctx, sub.ID, 10)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	again := h.subscribe(t, "alice", "pro")
	assert.NotEqual(t, sub.ID, again.ID)
}

func TestCreateSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.subscribe(t, "alice", "pro")
	_, err := h.CreateSubscription(ctx, "alice", "acme", "free")
	assert.ErrorIs(t, err, models.ErrInvalidState, "one live subscription per user and organization")

	_, err = h.CreateSubscription(ctx, "bob", "acme", "retired")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = h.CreateSubscription(ctx, "bob", "acme", "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, 1, h.audit.count(models.AuditSubscribed))
}

func TestChangePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("trial to paid activates with a fresh period", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "bob", "trial")
		_, err := h.charge(sub.ID, 4000)
		require.NoError(t, err)
		h.clock.Advance(5 * 24 * time.Hour)

		got, err := h.ChangePlan(ctx, sub.ID, "pro")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, t0.Add(5*24*time.Hour), got.PeriodStart)
		assert.Equal(t, got.PeriodStart.Add(30*24*time.Hour), got.PeriodEnd)

		snap := h.snapshot(t, sub.ID)
		assert.EqualValues(t, 100000, snap.TokensRemaining)
		assert.False(t, snap.IsTrial)
	})

	t.Run("expired reactivates", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "bob", "trial")
		h.clock.Advance(20 * 24 * time.Hour)

		got, err := h.ChangePlan(ctx, sub.ID, "pro")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.True(t, got.InPeriod(h.clock.Now()))
	})

	t.Run("active downgrade keeps window and usage", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "alice", "pro")
		_, err := h.charge(sub.ID, 5000)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)

		got, err := h.ChangePlan(ctx, sub.ID, "free")
		require.NoError(t, err)
		assert.Equal(t, sub.PeriodStart, got.PeriodStart)
		assert.Equal(t, sub.PeriodEnd, got.PeriodEnd)
		assert.EqualValues(t, 5000, got.TokensUsedThisPeriod)

		snap := h.snapshot(t, sub.ID)
		assert.EqualValues(t, 1000, snap.TokensAllocated)
		assert.Zero(t, snap.TokensRemaining, "no proration: remaining floors at zero")
		assert.InDelta(t, 500.0, snap.TokensUsedPercent, 1e-9)
	})

	t.Run("rejections", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "alice", "pro")

		_, err := h.ChangePlan(ctx, sub.ID, "retired")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		_, err = h.ChangePlan(ctx, sub.ID, "pro")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		_, err = h.ChangePlan(ctx, sub.ID, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("free to trial does not re-grant trial time", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "alice", "free")

		got, err := h.ChangePlan(ctx, sub.ID, "trial")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Nil(t, got.TrialEndsAt)
	})

	t.Run("next rollover uses the new plan period", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribe(t, "alice", "pro")
		_, err := h.ChangePlan(ctx, sub.ID, "team")
		require.NoError(t, err)

		h.clock.Advance(31 * 24 * time.Hour)
		snap := h.snapshot(t, sub.ID)
		assert.Equal(t, sub.PeriodEnd, snap.PeriodStart)
		assert.Equal(t, sub.PeriodEnd.Add(7*24*time.Hour), snap.PeriodEnd)
	})
}

func TestPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")

	res, err := h.Purchase(ctx, sub.ID, "small")
	require.NoError(t, err)
	assert.EqualValues(t, 5000, res.TokenBalance)
	assert.Equal(t, "small", res.Purchase.PackageID)
	assert.EqualValues(t, 499, res.Purchase.PriceCents)
	assert.NotZero(t, res.Purchase.ID)

	_, err = h.Purchase(ctx, sub.ID, "legacy")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.Purchase(ctx, sub.ID, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	purchases, err := h.Purchases(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, models.PurchasePackage, purchases[0].Kind)
	assert.Equal(t, 1, h.audit.count(models.AuditPackagePurchase))
}

func TestAddTokensRejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "alice", "pro")

	for _, amount := range []int64{0, -5} {
		_, err := h.AddTokens(context.Background(), sub.ID, amount)
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
	}
}

func TestAddTokensRejectsBalanceOverflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")

	_, err := h.AddTokens(ctx, sub.ID, math.MaxInt64)
	require.NoError(t, err)

	_, err = h.AddTokens(ctx, sub.ID, 10)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	assert.NotErrorIs(t, err, models.ErrInsufficientTokens)

	got, err := h.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, int64(math.MaxInt64), got.TokenBalance)

	purchases, err := h.Purchases(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, purchases, 1, "rejected credit writes no purchase record")
	assert.Equal(t, 1, h.audit.count(models.AuditTokensAdded))
}

func TestResetPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")
	_, err := h.charge(sub.ID, 80000)
	require.NoError(t, err)

	h.clock.Advance(2 * 24 * time.Hour)
	got, err := h.ResetPeriod(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), got.PeriodStart)
	assert.Equal(t, h.clock.Now().Add(30*24*time.Hour), got.PeriodEnd)

	snap := h.snapshot(t, sub.ID)
	assert.EqualValues(t, 100000, snap.TokensRemaining)

	trial := h.subscribe(t, "bob", "trial")
	_, err = h.ResetPeriod(ctx, trial.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestApply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "bob", "trial")

	_, err := h.Apply(ctx, sub.ID, models.PlanChangeRequest{})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	_, err = h.Apply(ctx, sub.ID, models.PlanChangeRequest{PlanID: "pro", ResetPeriod: true})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	res, err := h.Apply(ctx, sub.ID, models.PlanChangeRequest{AddTokens: ptr(int64(250))})
	require.NoError(t, err)
	require.NotNil(t, res.Purchase)
	assert.EqualValues(t, 250, res.Entitlement.TokenBalance)

	res, err = h.Apply(ctx, sub.ID, models.PlanChangeRequest{ExtendTrialDays: ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, 17, res.Entitlement.TrialDaysRemaining)

	res, err = h.Apply(ctx, sub.ID, models.PlanChangeRequest{PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, res.Subscription.Status)
	assert.EqualValues(t, 100250, res.Entitlement.AvailableTokens)

	res, err = h.Apply(ctx, sub.ID, models.PlanChangeRequest{ResetPeriod: true})
	require.NoError(t, err)
	assert.Nil(t, res.Purchase)
}

func TestSnapshotCacheInvalidatedByMutations(t *testing.T) {
	c, err := cache.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := newHarness(t, func(o *Options) { o.Cache = c })
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "pro")

	snap, err := h.Snapshot(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100000, snap.AvailableTokens)
	_, err = h.Snapshot(ctx, sub.ID)
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Hits)

	_, err = h.charge(sub.ID, 100)
	require.NoError(t, err)

	snap, err = h.Snapshot(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 99900, snap.AvailableTokens)
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "alice", "free")
	_, err := h.AddTokens(ctx, sub.ID, 1000)
	require.NoError(t, err)

	_, err = h.charge(sub.ID, 1500)
	require.NoError(t, err)

	summaries, err := h.Summary(ctx, sub.ID, t0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].ChargeCount)
	assert.EqualValues(t, 1500, summaries[0].Tokens+summaries[1].Tokens)
}

func TestHistoryUnknownSubscription(t *testing.T) {
	h := newHarness(t)
	_, err := h.History(context.Background(), models.HistoryQuery{SubscriptionID: 42})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.Purchases(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "bob", "trial")
	h.clock.Advance(15 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.RunSweeper(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return h.audit.count(models.AuditTrialExpired) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.Fail(t, "sweeper did not stop")
	}
}
