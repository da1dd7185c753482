package billing

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/subscription"
)

// ChangeResult is the state after an applied plan-change request.
type ChangeResult struct {
	Subscription models.Subscription `json:"subscription"`
	Entitlement  models.Snapshot     `json:"entitlement"`
	Purchase     *models.Purchase    `json:"purchase,omitempty"`
}

// Apply dispatches one of the mutually exclusive plan-change request forms.
func (e *Engine) Apply(ctx context.Context, id int64, req models.PlanChangeRequest) (*ChangeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &ChangeResult{}
	var err error
	switch {
	case req.PlanID != "":
		_, err = e.ChangePlan(ctx, id, req.PlanID)
	case req.AddTokens != nil:
		var pr models.PurchaseResult
		pr, err = e.AddTokens(ctx, id, *req.AddTokens)
		res.Purchase = &pr.Purchase
	case req.ResetPeriod:
		_, err = e.ResetPeriod(ctx, id)
	case req.ExtendTrialDays != nil:
		_, err = e.ExtendTrial(ctx, id, *req.ExtendTrialDays)
	}
	if err != nil {
		return nil, err
	}

	if res.Subscription, err = e.Get(ctx, id); err != nil {
		return nil, err
	}
	if res.Entitlement, err = e.FreshSnapshot(ctx, id); err != nil {
		return nil, err
	}
	return res, nil
}

// ChangePlan moves a subscription to planID. The new allotment applies from
// now on; usage already recorded in the current period is kept as is.
func (e *Engine) ChangePlan(ctx context.Context, id int64, planID string) (models.Subscription, error) {
	var out models.Subscription
	err := e.mutate(ctx, id, func(ctx context.Context, s stores, sub models.Subscription, current models.Plan, now time.Time) ([]event, error) {
		if sub.Status == models.StatusCancelled {
			return nil, models.Errorf(models.KindInvalidState, "change plan", "subscription %d is cancelled", sub.ID)
		}
		target, err := s.catalog.Plan(ctx, planID)
		if err != nil {
			return nil, err
		}
		if !target.IsActive {
			return nil, models.Errorf(models.KindInvalidTransition, "change plan", "plan %q is not available", planID)
		}
		if target.ID == sub.PlanID && (sub.Status != models.StatusExpired || target.Kind() == models.PlanTrial) {
			return nil, models.Errorf(models.KindInvalidTransition, "change plan", "subscription %d is already on plan %q", sub.ID, planID)
		}
		if target.Kind() == models.PlanTrial && (sub.HasPaid() || current.Kind() == models.PlanPaid) {
			return nil, models.Errorf(models.KindInvalidTransition, "change plan",
				"subscription %d has been on a paid plan and cannot move to trial plan %q", sub.ID, target.ID)
		}

		fromStatus := sub.Status
		sub.PlanID = target.ID
		if target.Kind() == models.PlanPaid && !sub.HasPaid() {
			sub.PaidAt = &now
		}
		if target.Kind() != models.PlanTrial && sub.Status != models.StatusActive {
			if !subscription.CanTransition(sub.Status, models.StatusActive) {
				return nil, models.Errorf(models.KindInvalidTransition, "change plan", "cannot activate subscription %d from %s", sub.ID, sub.Status)
			}
			sub.Status = models.StatusActive
			sub = subscription.Rollover(sub, target, now)
		}

		if out, err = s.subs.Update(ctx, sub, now); err != nil {
			return nil, err
		}
		return []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         models.AuditPlanChanged,
			FromValue:      current.ID,
			ToValue:        target.ID,
			Detail:         "status " + string(fromStatus) + " -> " + string(out.Status),
			CreatedAt:      now,
		}}}, nil
	})
	return out, err
}

// AddTokens grants amount balance tokens.
func (e *Engine) AddTokens(ctx context.Context, id int64, amount int64) (models.PurchaseResult, error) {
	if amount <= 0 {
		return models.PurchaseResult{}, models.Errorf(models.KindInvalidAmount, "add tokens", "amount must be positive, got %d", amount)
	}
	return e.credit(ctx, id, models.AuditTokensAdded, func(context.Context, stores) (models.Purchase, error) {
		return models.Purchase{Kind: models.PurchaseGrant, Tokens: amount}, nil
	})
}

// Purchase credits the tokens of an active package.
func (e *Engine) Purchase(ctx context.Context, id int64, packageID string) (models.PurchaseResult, error) {
	return e.credit(ctx, id, models.AuditPackagePurchase, func(ctx context.Context, s stores) (models.Purchase, error) {
		pkg, err := s.catalog.Package(ctx, packageID)
		if err != nil {
			return models.Purchase{}, err
		}
		if !pkg.IsActive {
			return models.Purchase{}, models.Errorf(models.KindNotFound, "purchase", "package %q is not available", packageID)
		}
		return models.Purchase{
			Kind:       models.PurchasePackage,
			PackageID:  pkg.ID,
			Tokens:     pkg.Tokens,
			PriceCents: pkg.PriceCents,
			Currency:   pkg.Currency,
		}, nil
	})
}

func (e *Engine) credit(ctx context.Context, id int64, action models.AuditAction, build func(context.Context, stores) (models.Purchase, error)) (models.PurchaseResult, error) {
	var out models.PurchaseResult
	err := e.mutate(ctx, id, func(ctx context.Context, s stores, sub models.Subscription, _ models.Plan, now time.Time) ([]event, error) {
		if sub.Status == models.StatusCancelled {
			return nil, models.Errorf(models.KindInvalidState, string(action), "subscription %d is cancelled", sub.ID)
		}
		p, err := build(ctx, s)
		if err != nil {
			return nil, err
		}
		if p.Tokens > math.MaxInt64-sub.TokenBalance {
			return nil, models.Errorf(models.KindInvalidAmount, string(action),
				"crediting %d tokens would overflow balance %d of subscription %d", p.Tokens, sub.TokenBalance, sub.ID)
		}
		p.SubscriptionID = sub.ID
		p.CreatedAt = now
		if p, err = s.ledger.AppendCredit(ctx, p); err != nil {
			return nil, err
		}

		before := sub.TokenBalance
		sub.TokenBalance += p.Tokens
		if _, err := s.subs.Update(ctx, sub, now); err != nil {
			return nil, err
		}
		out = models.PurchaseResult{TokenBalance: sub.TokenBalance, Purchase: p}
		return []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         action,
			Tokens:         p.Tokens,
			FromValue:      strconv.FormatInt(before, 10),
			ToValue:        strconv.FormatInt(sub.TokenBalance, 10),
			Detail:         p.PackageID,
			CreatedAt:      now,
		}}}, nil
	})
	return out, err
}

// ResetPeriod opens a fresh period starting now, regardless of elapsed time.
func (e *Engine) ResetPeriod(ctx context.Context, id int64) (models.Subscription, error) {
	var out models.Subscription
	err := e.mutate(ctx, id, func(ctx context.Context, s stores, sub models.Subscription, plan models.Plan, now time.Time) ([]event, error) {
		if sub.Status != models.StatusActive {
			return nil, models.Errorf(models.KindInvalidState, "reset period", "subscription %d is %s, not active", sub.ID, sub.Status)
		}
		before := sub
		sub = subscription.Rollover(sub, plan, now)
		var err error
		if out, err = s.subs.Update(ctx, sub, now); err != nil {
			return nil, err
		}
		return []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         models.AuditPeriodReset,
			Tokens:         before.TokensUsedThisPeriod,
			FromValue:      before.PeriodStart.Format(time.RFC3339),
			ToValue:        sub.PeriodStart.Format(time.RFC3339),
			CreatedAt:      now,
		}}}, nil
	})
	return out, err
}

// ExtendTrial pushes the trial end of a trialing subscription by days.
func (e *Engine) ExtendTrial(ctx context.Context, id int64, days int) (models.Subscription, error) {
	if days <= 0 {
		return models.Subscription{}, models.Errorf(models.KindInvalidAmount, "extend trial", "days must be positive, got %d", days)
	}
	var out models.Subscription
	err := e.mutate(ctx, id, func(ctx context.Context, s stores, sub models.Subscription, _ models.Plan, now time.Time) ([]event, error) {
		before := sub
		next, err := subscription.ExtendTrial(sub, days)
		if err != nil {
			return nil, err
		}
		if out, err = s.subs.Update(ctx, next, now); err != nil {
			return nil, err
		}
		return []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         models.AuditTrialExtended,
			FromValue:      before.TrialEndsAt.Format(time.RFC3339),
			ToValue:        next.TrialEndsAt.Format(time.RFC3339),
			Detail:         "days=" + strconv.Itoa(days),
			CreatedAt:      now,
		}}}, nil
	})
	return out, err
}

// Cancel ends a subscription. Ledger history and balance are kept.
func (e *Engine) Cancel(ctx context.Context, id int64, reason string) (models.Subscription, error) {
	var out models.Subscription
	err := e.mutate(ctx, id, func(ctx context.Context, s stores, sub models.Subscription, _ models.Plan, now time.Time) ([]event, error) {
		from := sub.Status
		next, err := subscription.Cancel(sub, reason, now)
		if err != nil {
			return nil, err
		}
		if out, err = s.subs.Update(ctx, next, now); err != nil {
			return nil, err
		}
		return []event{{AuditEntry: models.AuditEntry{
			SubscriptionID: sub.ID,
			Action:         models.AuditCancelled,
			FromValue:      string(from),
			ToValue:        string(models.StatusCancelled),
			Detail:         reason,
			CreatedAt:      now,
		}}}, nil
	})
	return out, err
}
