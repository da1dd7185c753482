package models

// ChargeRequest asks to debit tokens for one consumption event.
type ChargeRequest struct {
	SubscriptionID int64  `json:"subscription_id"`
	TokenCount     int64  `json:"token_count"`
	InputTokens    int64  `json:"input_tokens,omitempty"`
	OutputTokens   int64  `json:"output_tokens,omitempty"`
	ModelName      string `json:"model_name"`
	Provider       string `json:"provider"`
	RunID          string `json:"run_id,omitempty"`
	StepID         string `json:"step_id,omitempty"`
}

// SourceBreakdown reports how a charge was split across funding sources.
type SourceBreakdown struct {
	Subscription int64 `json:"subscription"`
	Balance      int64 `json:"balance"`
}

// ChargeResult is returned for a committed charge.
type ChargeResult struct {
	ChargeID           string          `json:"charge_id"`
	SourceBreakdown    SourceBreakdown `json:"source_breakdown"`
	NewAvailableTokens int64           `json:"new_available_tokens"`
	Entries            []LedgerEntry   `json:"entries"`
}

// PlanChangeRequest carries exactly one of its fields.
type PlanChangeRequest struct {
	PlanID          string `json:"plan_id,omitempty"`
	AddTokens       *int64 `json:"add_tokens,omitempty"`
	ResetPeriod     bool   `json:"reset_period,omitempty"`
	ExtendTrialDays *int   `json:"extend_trial_days,omitempty"`
}

// Validate enforces mutual exclusivity.
func (r PlanChangeRequest) Validate() error {
	n := 0
	if r.PlanID != "" {
		n++
	}
	if r.AddTokens != nil {
		n++
	}
	if r.ResetPeriod {
		n++
	}
	if r.ExtendTrialDays != nil {
		n++
	}
	if n != 1 {
		return Errorf(KindInvalidRequest, "plan change", "exactly one of plan_id, add_tokens, reset_period, extend_trial_days is required")
	}
	return nil
}

// PurchaseResult is returned for a package purchase or token grant.
type PurchaseResult struct {
	TokenBalance int64    `json:"token_balance"`
	Purchase     Purchase `json:"purchase"`
}
