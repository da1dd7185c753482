package models

import "time"

// PlanKind is the tagged variant a plan resolves to at the catalog boundary.
type PlanKind string

const (
	PlanTrial PlanKind = "trial"
	PlanFree  PlanKind = "free"
	PlanPaid  PlanKind = "paid"
)

// DefaultPeriodDays is the period length used when a plan does not set one.
const DefaultPeriodDays = 30

// Plan is an immutable subscription catalog entry.
type Plan struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	MonthlyTokens     int64     `json:"monthly_tokens"`
	MonthlyPriceCents *int64    `json:"monthly_price_cents"`
	Currency          string    `json:"currency"`
	IsTrial           bool      `json:"is_trial"`
	TrialDays         *int      `json:"trial_days,omitempty"`
	PeriodDays        int       `json:"period_days"`
	Features          []string  `json:"features"`
	IsActive          bool      `json:"is_active"`
	IsVisible         bool      `json:"is_visible"`
	CreatedAt         time.Time `json:"created_at"`
}

// Kind resolves the plan's variant. Trial wins over price.
func (p Plan) Kind() PlanKind {
	switch {
	case p.IsTrial:
		return PlanTrial
	case p.MonthlyPriceCents == nil || *p.MonthlyPriceCents == 0:
		return PlanFree
	default:
		return PlanPaid
	}
}

// Period returns the length of one accounting period.
func (p Plan) Period() time.Duration {
	days := p.PeriodDays
	if days <= 0 {
		days = DefaultPeriodDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// TrialDuration returns the trial length, falling back to one period.
func (p Plan) TrialDuration() time.Duration {
	if p.TrialDays != nil && *p.TrialDays > 0 {
		return time.Duration(*p.TrialDays) * 24 * time.Hour
	}
	return p.Period()
}

// HasFeature reports whether the plan includes feature.
func (p Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// TokenPackage is a purchasable bundle of balance tokens.
type TokenPackage struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Tokens     int64     `json:"tokens"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	IsActive   bool      `json:"is_active"`
	IsVisible  bool      `json:"is_visible"`
	CreatedAt  time.Time `json:"created_at"`
}
