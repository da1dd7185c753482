package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

// fakeAccounts implements Accounts for testing.
type fakeAccounts struct {
	snapshot  models.Snapshot
	page      models.HistoryPage
	summaries []models.UsageSummary
	plans     []models.Plan
	packages  []models.TokenPackage
	lastQuery models.HistoryQuery
}

func (f *fakeAccounts) Snapshot(_ context.Context, id int64) (models.Snapshot, error) {
	if id != f.snapshot.SubscriptionID {
		return models.Snapshot{}, models.Errorf(models.KindNotFound, "subscription", "subscription %d not found", id)
	}
	return f.snapshot, nil
}
func (f *fakeAccounts) History(_ context.Context, q models.HistoryQuery) (models.HistoryPage, error) {
	f.lastQuery = q
	return f.page, nil
}
func (f *fakeAccounts) Summary(_ context.Context, _ int64, _ time.Time) ([]models.UsageSummary, error) {
	return f.summaries, nil
}
func (f *fakeAccounts) Plans(_ context.Context, _ bool) ([]models.Plan, error) {
	return f.plans, nil
}
func (f *fakeAccounts) Packages(_ context.Context, _ bool) ([]models.TokenPackage, error) {
	return f.packages, nil
}

// fakeAuditor implements AuditSearcher for testing.
type fakeAuditor struct {
	entries []models.AuditEntry
	opts    models.AuditQueryOpts
}

func (f *fakeAuditor) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

// fakeCache implements CacheStatter for testing.
type fakeCache struct {
	stats models.CacheStats
}

func (f *fakeCache) Stats() (models.CacheStats, error) { return f.stats, nil }

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), bytes.NewReader(append(line, '\n')), &out))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "raw: %s", out.String())
	return resp
}

// decodeResult re-decodes the untyped Result of resp into v.
func decodeResult(t *testing.T, resp Response, v any) {
	t.Helper()
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	p := ToolCallParams{Name: name}
	if args != "" {
		p.Arguments = json.RawMessage(args)
	}
	params, err := json.Marshal(p)
	require.NoError(t, err)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})

	var res ToolCallResult
	decodeResult(t, resp, &res)
	require.NotEmpty(t, res.Content)
	return res
}

func TestInitialize(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	var res InitializeResult
	decodeResult(t, resp, &res)
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "tokenmeter", res.ServerInfo.Name)
	assert.Equal(t, "test", res.ServerInfo.Version)
}

func TestToolsList(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	var res ToolsListResult
	decodeResult(t, resp, &res)
	assert.Len(t, res.Tools, len(toolHandlers))

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.Contains(t, toolHandlers, tool.Name, "tool %s has no handler", tool.Name)
		assert.Equal(t, "object", tool.InputSchema.Type)
	}
	for _, want := range []string{"tokenmeter_entitlement", "tokenmeter_history", "tokenmeter_usage_summary", "tokenmeter_plans", "tokenmeter_audit_search"} {
		assert.Contains(t, names, want)
	}
}

func TestToolCallEntitlement(t *testing.T) {
	accounts := &fakeAccounts{snapshot: models.Snapshot{
		SubscriptionID: 7, PlanID: "pro", Status: models.StatusActive,
		TokensAllocated: 100000, TokensUsedThisPeriod: 25000, TokensRemaining: 75000,
		TokensUsedPercent: 25, TokenBalance: 500, AvailableTokens: 75500,
	}}
	srv := New(accounts, nil, nil, "test")

	res := callTool(t, srv, "tokenmeter_entitlement", `{"subscription_id":7}`)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "75500")
	assert.Contains(t, res.Content[0].Text, "25.0%")

	res = callTool(t, srv, "tokenmeter_entitlement", `{"subscription_id":8}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "NotFound")

	res = callTool(t, srv, "tokenmeter_entitlement", `{}`)
	assert.True(t, res.IsError, "missing subscription_id")
}

func TestToolCallHistory(t *testing.T) {
	accounts := &fakeAccounts{page: models.HistoryPage{
		Entries: []models.LedgerEntry{
			{ModelName: "gpt-4", Provider: "openai", SourceType: models.SourceBalance, Tokens: 1234, CreatedAt: time.Now()},
		},
		Total: 9,
	}}
	srv := New(accounts, nil, nil, "test")

	res := callTool(t, srv, "tokenmeter_history", `{"subscription_id":3,"source":"balance","since":"2026-01-01"}`)
	assert.Contains(t, res.Content[0].Text, "1234")
	assert.Contains(t, res.Content[0].Text, "1 of 9")

	q := accounts.lastQuery
	assert.EqualValues(t, 3, q.SubscriptionID)
	assert.Equal(t, models.SourceBalance, q.Source)
	assert.Equal(t, 50, q.Limit)
	assert.True(t, q.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "from = %v", q.From)

	res = callTool(t, srv, "tokenmeter_history", `{"subscription_id":3,"source":"credit"}`)
	assert.True(t, res.IsError, "unknown source")
}

func TestToolCallUsageSummary(t *testing.T) {
	accounts := &fakeAccounts{summaries: []models.UsageSummary{
		{ModelName: "claude-3", Provider: "anthropic", SourceType: models.SourceSubscription, ChargeCount: 4, Tokens: 8800, Cost: 0.25},
	}}
	srv := New(accounts, nil, nil, "test")

	res := callTool(t, srv, "tokenmeter_usage_summary", `{}`)
	assert.Contains(t, res.Content[0].Text, "claude-3")

	res = callTool(t, srv, "tokenmeter_usage_summary", `{"since":"last week"}`)
	assert.True(t, res.IsError, "bad since")
}

func TestToolCallPlans(t *testing.T) {
	price := int64(2900)
	accounts := &fakeAccounts{
		plans:    []models.Plan{{ID: "pro", Name: "Pro", MonthlyTokens: 100000, MonthlyPriceCents: &price}},
		packages: []models.TokenPackage{{ID: "small", Name: "Small", Tokens: 5000, PriceCents: 499}},
	}
	srv := New(accounts, nil, nil, "test")

	text := callTool(t, srv, "tokenmeter_plans", "").Content[0].Text
	for _, want := range []string{"pro", "29.00", "paid", "small", "4.99"} {
		assert.Contains(t, text, want)
	}
}

func TestToolCallAuditSearch(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	res := callTool(t, srv, "tokenmeter_audit_search", "")
	assert.Contains(t, res.Content[0].Text, "not configured")

	auditor := &fakeAuditor{entries: []models.AuditEntry{
		{SubscriptionID: 5, Action: models.AuditPlanChanged, FromValue: "trial", ToValue: "pro", CreatedAt: time.Now()},
	}}
	srv = New(&fakeAccounts{}, auditor, nil, "test")
	res = callTool(t, srv, "tokenmeter_audit_search", `{"subscription_id":5,"action":"plan_changed"}`)
	assert.Contains(t, res.Content[0].Text, "plan_changed")
	assert.EqualValues(t, 5, auditor.opts.SubscriptionID)
	assert.Equal(t, models.AuditPlanChanged, auditor.opts.Action)
	assert.Equal(t, 50, auditor.opts.Limit)
}

func TestToolCallCacheStats(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	res := callTool(t, srv, "tokenmeter_cache_stats", "")
	assert.Contains(t, res.Content[0].Text, "not configured")

	cache := &fakeCache{stats: models.CacheStats{Entries: 42, Expired: 3, Hits: 10, Misses: 5}}
	srv = New(&fakeAccounts{}, nil, cache, "test")
	text := callTool(t, srv, "tokenmeter_cache_stats", "").Content[0].Text
	assert.Contains(t, text, "42 (3 expired)")
	assert.Contains(t, text, "66.7%")
}

func TestUnknownTool(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	res := callTool(t, srv, "tokenmeter_nope", "")
	assert.True(t, res.IsError)
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")

	line, err := json.Marshal(Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), bytes.NewReader(append(line, '\n')), &out))
	assert.Zero(t, out.Len(), "notifications get no response, got: %s", out.String())
}

func TestUnknownMethod(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestPing(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "ping",
	})
	assert.Nil(t, resp.Error)
	assert.Equal(t, "9", string(resp.ID))
}

func TestParseError(t *testing.T) {
	srv := New(&fakeAccounts{}, nil, nil, "test")
	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), bytes.NewReader([]byte("{not json\n")), &out))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}
