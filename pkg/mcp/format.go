package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// formatSnapshot formats an entitlement snapshot as text.
func formatSnapshot(s models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription %d (%s, %s)\n", s.SubscriptionID, s.PlanID, s.Status)
	fmt.Fprintf(&b, "  Period:     %s .. %s\n", s.PeriodStart.Format(timeLayout), s.PeriodEnd.Format(timeLayout))
	fmt.Fprintf(&b, "  Allocated:  %d\n", s.TokensAllocated)
	fmt.Fprintf(&b, "  Used:       %d (%.1f%%)\n", s.TokensUsedThisPeriod, s.TokensUsedPercent)
	fmt.Fprintf(&b, "  Remaining:  %d\n", s.TokensRemaining)
	fmt.Fprintf(&b, "  Balance:    %d\n", s.TokenBalance)
	fmt.Fprintf(&b, "  Available:  %d\n", s.AvailableTokens)
	if s.IsTrial {
		fmt.Fprintf(&b, "  Trial days: %d\n", s.TrialDaysRemaining)
	}
	return b.String()
}

// formatHistory formats a history page as a text table.
func formatHistory(page models.HistoryPage) string {
	if len(page.Entries) == 0 {
		return "No ledger entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-25s %-12s %-13s %10s %10s %10s\n",
		"Time", "Model", "Provider", "Source", "Input", "Output", "Tokens")
	b.WriteString(strings.Repeat("-", 106) + "\n")
	for _, e := range page.Entries {
		fmt.Fprintf(&b, "%-20s %-25s %-12s %-13s %10d %10d %10d\n",
			e.CreatedAt.Format(timeLayout), e.ModelName, e.Provider, e.SourceType,
			e.InputTokens, e.OutputTokens, e.Tokens)
	}
	fmt.Fprintf(&b, "\nShowing %d of %d entries.\n", len(page.Entries), page.Total)
	return b.String()
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %-13s %8s %10s %10s %10s\n",
		"Model", "Provider", "Source", "Charges", "Tokens", "Cost", "Price")
	b.WriteString(strings.Repeat("-", 94) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-25s %-12s %-13s %8d %10d %10.4f %10.4f\n",
			r.ModelName, r.Provider, r.SourceType, r.ChargeCount, r.Tokens, r.Cost, r.Price)
	}
	return b.String()
}

// formatPlans formats plans as a text table.
func formatPlans(plans []models.Plan) string {
	if len(plans) == 0 {
		return "No plans found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %-20s %-6s %12s %10s %6s\n",
		"Plan", "Name", "Kind", "Tokens", "Price", "Days")
	b.WriteString(strings.Repeat("-", 74) + "\n")
	for _, p := range plans {
		price := "-"
		if p.MonthlyPriceCents != nil {
			price = formatCents(*p.MonthlyPriceCents)
		}
		days := p.PeriodDays
		if p.TrialDays != nil {
			days = *p.TrialDays
		}
		fmt.Fprintf(&b, "%-15s %-20s %-6s %12d %10s %6d\n",
			p.ID, p.Name, p.Kind(), p.MonthlyTokens, price, days)
	}
	return b.String()
}

// formatPackages formats token packages as a text table.
func formatPackages(packages []models.TokenPackage) string {
	if len(packages) == 0 {
		return "No token packages found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s %-20s %12s %10s\n", "Package", "Name", "Tokens", "Price")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, p := range packages {
		fmt.Fprintf(&b, "%-15s %-20s %12d %10s\n", p.ID, p.Name, p.Tokens, formatCents(p.PriceCents))
	}
	return b.String()
}

func formatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

// formatAuditEntries formats audit entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %6s %-18s %10s %-15s %-15s\n",
		"Time", "Sub", "Action", "Tokens", "From", "To")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %6d %-18s %10d %-15s %-15s\n",
			e.CreatedAt.Format(timeLayout), e.SubscriptionID, e.Action, e.Tokens,
			truncate(e.FromValue, 15), truncate(e.ToValue, 15))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d (%d expired)\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Expired, stats.Hits, stats.Misses, stats.HitRate())
}
