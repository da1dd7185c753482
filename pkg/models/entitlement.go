package models

import "time"

// Snapshot is the derived, point-in-time entitlement of a subscription.
type Snapshot struct {
	SubscriptionID       int64     `json:"subscription_id"`
	PlanID               string    `json:"plan_id"`
	TokensAllocated      int64     `json:"tokens_allocated"`
	TokensUsedThisPeriod int64     `json:"tokens_used_this_period"`
	TokensRemaining      int64     `json:"tokens_remaining"`
	TokensUsedPercent    float64   `json:"tokens_used_percent"`
	TokenBalance         int64     `json:"token_balance"`
	AvailableTokens      int64     `json:"available_tokens"`
	PeriodStart          time.Time `json:"period_start_date"`
	PeriodEnd            time.Time `json:"period_end_date"`
	Status               Status    `json:"status"`
	IsTrial              bool      `json:"is_trial"`
	TrialDaysRemaining   int       `json:"trial_days_remaining"`
}

// SpendableBalance is the part of AvailableTokens funded by the balance.
func (s Snapshot) SpendableBalance() int64 {
	return s.AvailableTokens - s.TokensRemaining
}
