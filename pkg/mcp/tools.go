package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

// Tool argument structs.

type subscriptionArgs struct {
	SubscriptionID int64 `json:"subscription_id"`
}

type historyArgs struct {
	SubscriptionID int64  `json:"subscription_id"`
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	Source         string `json:"source"`
	Since          string `json:"since"`
	Limit          int    `json:"limit"`
}

type summaryArgs struct {
	SubscriptionID int64  `json:"subscription_id"`
	Since          string `json:"since"`
}

type auditSearchArgs struct {
	SubscriptionID int64  `json:"subscription_id"`
	Action         string `json:"action"`
	Since          string `json:"since"`
	RequestID      string `json:"request_id"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"tokenmeter_entitlement":   handleEntitlement,
	"tokenmeter_history":       handleHistory,
	"tokenmeter_usage_summary": handleUsageSummary,
	"tokenmeter_plans":         handlePlans,
	"tokenmeter_audit_search":  handleAuditSearch,
	"tokenmeter_cache_stats":   handleCacheStats,
}

var (
	subscriptionIDProp = Property{Type: "integer", Description: "The subscription ID"}
	sinceProp          = Property{Type: "string", Description: "Start date in YYYY-MM-DD format (optional)"}
	noArgs             = Schema{Type: "object", Properties: map[string]Property{}}
)

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "tokenmeter_entitlement",
		Description: "Show the current token entitlement of a subscription: allotment, usage, balance and available tokens.",
		InputSchema: Schema{
			Type:       "object",
			Required:   []string{"subscription_id"},
			Properties: map[string]Property{"subscription_id": subscriptionIDProp},
		},
	},
	{
		Name:        "tokenmeter_history",
		Description: "List ledger entries of a subscription, newest first, with optional filters.",
		InputSchema: Schema{
			Type:     "object",
			Required: []string{"subscription_id"},
			Properties: map[string]Property{
				"subscription_id": subscriptionIDProp,
				"model":           {Type: "string", Description: "Filter by model (optional)"},
				"provider":        {Type: "string", Description: "Filter by provider (optional)"},
				"source": {
					Type:        "string",
					Description: "Filter by funding source (optional)",
					Enum:        []string{string(models.SourceSubscription), string(models.SourceBalance)},
				},
				"since": sinceProp,
				"limit": {Type: "integer", Description: "Maximum entries to return (optional, default 50)"},
			},
		},
	},
	{
		Name:        "tokenmeter_usage_summary",
		Description: "Show token usage, cost and price grouped by model, provider and funding source.",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"subscription_id": {Type: "integer", Description: "Filter by subscription (optional, omit for all)"},
				"since":           {Type: "string", Description: "Start date in YYYY-MM-DD format (optional, defaults to start of month)"},
			},
		},
	},
	{
		Name:        "tokenmeter_plans",
		Description: "List the visible subscription plans and token packages.",
		InputSchema: noArgs,
	},
	{
		Name:        "tokenmeter_audit_search",
		Description: "Search the accounting audit log with optional filters.",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"subscription_id": {Type: "integer", Description: "Filter by subscription (optional)"},
				"action":          {Type: "string", Description: "Filter by action, e.g. charge or plan_changed (optional)"},
				"since":           sinceProp,
				"request_id":      {Type: "string", Description: "Filter by request ID (optional)"},
			},
		},
	},
	{
		Name:        "tokenmeter_cache_stats",
		Description: "Show entitlement snapshot cache statistics (entries, hits, misses, hit rate).",
		InputSchema: noArgs,
	},
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", v)
}

func handleEntitlement(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args subscriptionArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.SubscriptionID <= 0 {
		return errorResult("subscription_id is required")
	}
	snap, err := s.accounts.Snapshot(ctx, args.SubscriptionID)
	if err != nil {
		return errorResult("Error fetching entitlement: " + err.Error())
	}
	return textResult(formatSnapshot(snap))
}

func handleHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args historyArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.SubscriptionID <= 0 {
		return errorResult("subscription_id is required")
	}
	since, err := parseSince(args.Since)
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}
	source := models.SourceType(args.Source)
	if source != "" && !source.Valid() {
		return errorResult("source must be subscription or balance")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}

	page, err := s.accounts.History(ctx, models.HistoryQuery{
		SubscriptionID: args.SubscriptionID,
		From:           since,
		Model:          args.Model,
		Provider:       args.Provider,
		Source:         source,
		Limit:          limit,
	})
	if err != nil {
		return errorResult("Error fetching history: " + err.Error())
	}
	return textResult(formatHistory(page))
}

func handleUsageSummary(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args summaryArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	since := beginningOfMonth()
	if args.Since != "" {
		t, err := parseSince(args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}

	rows, err := s.accounts.Summary(ctx, args.SubscriptionID, since)
	if err != nil {
		return errorResult("Error fetching usage summary: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func handlePlans(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	plans, err := s.accounts.Plans(ctx, true)
	if err != nil {
		return errorResult("Error fetching plans: " + err.Error())
	}
	packages, err := s.accounts.Packages(ctx, true)
	if err != nil {
		return errorResult("Error fetching packages: " + err.Error())
	}
	return textResult(formatPlans(plans) + "\n" + formatPackages(packages))
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		SubscriptionID: args.SubscriptionID,
		Action:         models.AuditAction(args.Action),
		RequestID:      args.RequestID,
		Limit:          50,
	}
	since, err := parseSince(args.Since)
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}
	opts.Since = since

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}
