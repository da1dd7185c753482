package models

import "time"

// Status is a subscription lifecycle state.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Subscription binds a (user, organization) pair to a plan.
type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               string     `json:"user_id"`
	OrganizationID       string     `json:"organization_id"`
	PlanID               string     `json:"plan_id"`
	Status               Status     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	TrialEndsAt          *time.Time `json:"trial_ends_at"`
	PeriodStart          time.Time  `json:"period_start_date"`
	PeriodEnd            time.Time  `json:"period_end_date"`
	TokensUsedThisPeriod int64      `json:"tokens_used_this_period"`
	TokenBalance         int64      `json:"token_balance"`
	CancelledAt          *time.Time `json:"cancelled_at"`
	CancelledReason      *string    `json:"cancelled_reason"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HasPaid reports whether the subscription was ever on a paid plan.
func (s Subscription) HasPaid() bool {
	return s.PaidAt != nil
}

// InPeriod reports whether t falls inside the half-open current period.
func (s Subscription) InPeriod(t time.Time) bool {
	return !t.Before(s.PeriodStart) && t.Before(s.PeriodEnd)
}

// BalancePolicy decides whether purchased balance stays spendable once the
// subscription leaves the trial/active states.
type BalancePolicy struct {
	SpendableWhenExpired   bool `json:"balance_spendable_when_expired" yaml:"balance_spendable_when_expired"`
	SpendableWhenCancelled bool `json:"balance_spendable_when_cancelled" yaml:"balance_spendable_when_cancelled"`
}

// BalanceSpendable applies the policy to a status.
func (p BalancePolicy) BalanceSpendable(s Status) bool {
	switch s {
	case StatusExpired:
		return p.SpendableWhenExpired
	case StatusCancelled:
		return p.SpendableWhenCancelled
	default:
		return true
	}
}
