package billing

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/tokenmeter/pkg/entitlement"
	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/metrics"
	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/pricing"
)

func validateCharge(req *models.ChargeRequest) error {
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return models.Errorf(models.KindInvalidEntry, "charge", "input/output token counts must not be negative")
	}
	split := req.InputTokens + req.OutputTokens
	if req.TokenCount == 0 {
		req.TokenCount = split
	}
	if req.TokenCount <= 0 {
		return models.Errorf(models.KindInvalidEntry, "charge", "token count must be positive, got %d", req.TokenCount)
	}
	if split != 0 && split != req.TokenCount {
		return models.Errorf(models.KindInvalidEntry, "charge", "input+output tokens (%d) do not match token count (%d)", split, req.TokenCount)
	}
	if req.ModelName == "" {
		return models.Errorf(models.KindInvalidEntry, "charge", "model_name is required")
	}
	return nil
}

// Charge debits req.TokenCount tokens, exhausting the period allotment before
// touching the balance. Either every entry of the charge commits or none does.
func (e *Engine) Charge(ctx context.Context, req models.ChargeRequest) (*models.ChargeResult, error) {
	if err := validateCharge(&req); err != nil {
		return nil, err
	}

	var result *models.ChargeResult
	var rejected *models.Snapshot
	err := e.mutate(ctx, req.SubscriptionID, func(ctx context.Context, s stores, sub models.Subscription, plan models.Plan, now time.Time) ([]event, error) {
		used, err := s.ledger.SumConsumedInPeriod(ctx, sub.ID, models.SourceSubscription, sub.PeriodStart, sub.PeriodEnd)
		if err != nil {
			return nil, err
		}
		snap := e.calc.Compute(entitlement.Input{Subscription: sub, Plan: plan, Used: used, Now: now})

		fromSub := min(req.TokenCount, snap.TokensRemaining)
		fromBal := req.TokenCount - fromSub
		if fromBal > snap.SpendableBalance() {
			rejected = &snap
			return nil, models.Errorf(models.KindInsufficientTokens, "charge",
				"subscription %d: requested %d, available %d", sub.ID, req.TokenCount, snap.AvailableTokens)
		}

		chargeID := uuid.NewString()
		parts := pricing.Split(req.InputTokens, req.OutputTokens, fromSub, fromBal)
		sources := []models.SourceType{models.SourceSubscription, models.SourceBalance}
		amounts := []int64{fromSub, fromBal}

		entries := make([]models.LedgerEntry, 0, 2)
		for i, n := range amounts {
			if n == 0 {
				continue
			}
			in, out := parts[i][0], parts[i][1]
			if in+out == 0 {
				in = n // no breakdown supplied: price everything at the prompt rate
			}
			q := e.pricing.Quote(req.Provider, req.ModelName, in, out)
			entry, err := s.ledger.Append(ctx, models.LedgerEntry{
				ChargeID:       chargeID,
				SubscriptionID: sub.ID,
				ModelName:      req.ModelName,
				Provider:       req.Provider,
				InputTokens:    parts[i][0],
				OutputTokens:   parts[i][1],
				Tokens:         n,
				Cost:           q.Cost,
				Price:          q.Price,
				SourceType:     sources[i],
				RunID:          req.RunID,
				StepID:         req.StepID,
				CreatedAt:      now,
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}

		repaired := sub.TokensUsedThisPeriod != used
		sub.TokensUsedThisPeriod = used + fromSub
		sub.TokenBalance -= fromBal
		if _, err := s.subs.Update(ctx, sub, now); err != nil {
			return nil, err
		}

		breakdown := models.SourceBreakdown{Subscription: fromSub, Balance: fromBal}
		result = &models.ChargeResult{
			ChargeID:           chargeID,
			SourceBreakdown:    breakdown,
			NewAvailableTokens: snap.AvailableTokens - req.TokenCount,
			Entries:            entries,
		}
		return []event{{
			AuditEntry: models.AuditEntry{
				SubscriptionID: sub.ID,
				Action:         models.AuditCharge,
				Tokens:         req.TokenCount,
				FromValue:      strconv.FormatInt(snap.AvailableTokens, 10),
				ToValue:        strconv.FormatInt(result.NewAvailableTokens, 10),
				Detail:         chargeDetail(chargeID, req, breakdown),
				CreatedAt:      now,
			},
			breakdown: breakdown,
			repaired:  repaired,
		}}, nil
	})

	switch {
	case err == nil:
		return result, nil
	case rejected != nil:
		e.emit(ctx, []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: req.SubscriptionID,
			Action:         models.AuditChargeRejected,
			Tokens:         req.TokenCount,
			FromValue:      strconv.FormatInt(rejected.AvailableTokens, 10),
			Detail:         chargeDetail("", req, models.SourceBreakdown{}),
			CreatedAt:      e.now().UTC(),
		}}})
	case models.KindOf(err) == models.KindConflict:
		e.metrics.RecordCharge(metrics.OutcomeConflict, 0, 0)
	case models.KindOf(err) == "":
		e.metrics.RecordCharge(metrics.OutcomeError, 0, 0)
		e.log.Error().Err(err).Str("request_id", logging.RequestID(ctx)).
			Int64("subscription_id", req.SubscriptionID).Msg("charge failed")
	}
	return nil, err
}

func chargeDetail(chargeID string, req models.ChargeRequest, b models.SourceBreakdown) string {
	detail := map[string]any{
		"model":    req.ModelName,
		"provider": req.Provider,
	}
	if chargeID != "" {
		detail["charge_id"] = chargeID
		detail["subscription"] = b.Subscription
		detail["balance"] = b.Balance
	}
	if req.RunID != "" {
		detail["run_id"] = req.RunID
	}
	if req.StepID != "" {
		detail["step_id"] = req.StepID
	}
	data, _ := json.Marshal(detail)
	return string(data)
}
