// Package entitlement derives point-in-time entitlement snapshots. Nothing in
// here reads or writes storage; callers supply ledger-derived usage.
package entitlement

import (
	"math"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

// Input is everything a snapshot depends on.
type Input struct {
	Subscription models.Subscription
	Plan         models.Plan
	// Used is the subscription-sourced consumption inside the current window,
	// aggregated from the ledger.
	Used int64
	Now  time.Time
}

// Calculator computes snapshots under a balance policy.
type Calculator struct {
	policy models.BalancePolicy
}

// New creates a Calculator with the given balance policy.
func New(policy models.BalancePolicy) *Calculator {
	return &Calculator{policy: policy}
}

// Policy returns the balance policy in effect.
func (c *Calculator) Policy() models.BalancePolicy {
	return c.policy
}

// Compute returns the entitlement snapshot for in.
func (c *Calculator) Compute(in Input) models.Snapshot {
	sub, plan := in.Subscription, in.Plan

	allocated := plan.MonthlyTokens
	used := in.Used
	if used < 0 {
		used = 0
	}

	remaining := allocated - used
	if remaining < 0 || !spendsAllotment(sub.Status) {
		remaining = 0
	}

	balance := sub.TokenBalance
	spendable := int64(0)
	if balance > 0 && c.policy.BalanceSpendable(sub.Status) {
		spendable = balance
	}

	available := remaining + spendable
	if spendable > math.MaxInt64-remaining {
		available = math.MaxInt64
	}

	var percent float64
	if allocated > 0 {
		percent = float64(used) / float64(allocated) * 100
	}

	return models.Snapshot{
		SubscriptionID:       sub.ID,
		PlanID:               plan.ID,
		TokensAllocated:      allocated,
		TokensUsedThisPeriod: used,
		TokensRemaining:      remaining,
		TokensUsedPercent:    percent,
		TokenBalance:         balance,
		AvailableTokens:      available,
		PeriodStart:          sub.PeriodStart,
		PeriodEnd:            sub.PeriodEnd,
		Status:               sub.Status,
		IsTrial:              sub.Status == models.StatusTrial || plan.IsTrial,
		TrialDaysRemaining:   trialDaysRemaining(sub, in.Now),
	}
}

// spendsAllotment reports whether a status may draw on the period allotment.
func spendsAllotment(s models.Status) bool {
	return s == models.StatusTrial || s == models.StatusActive
}

func trialDaysRemaining(sub models.Subscription, now time.Time) int {
	if sub.Status != models.StatusTrial || sub.TrialEndsAt == nil {
		return 0
	}
	left := sub.TrialEndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
