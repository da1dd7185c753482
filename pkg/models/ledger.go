package models

import "time"

// SourceType names the funding source a ledger entry was debited from.
type SourceType string

const (
	SourceSubscription SourceType = "subscription"
	SourceBalance      SourceType = "balance"
)

// Valid reports whether s is a known source.
func (s SourceType) Valid() bool {
	return s == SourceSubscription || s == SourceBalance
}

// LedgerEntry is one append-only consumption fact.
type LedgerEntry struct {
	ID             int64      `json:"id"`
	ChargeID       string     `json:"charge_id"`
	SubscriptionID int64      `json:"subscription_id"`
	ModelName      string     `json:"model_name"`
	Provider       string     `json:"provider"`
	InputTokens    int64      `json:"input_tokens"`
	OutputTokens   int64      `json:"output_tokens"`
	Tokens         int64      `json:"tokens"`
	Cost           float64    `json:"cost"`
	Price          float64    `json:"price"`
	SourceType     SourceType `json:"source_type"`
	RunID          string     `json:"run_id,omitempty"`
	StepID         string     `json:"step_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PurchaseKind distinguishes package purchases from administrative grants.
type PurchaseKind string

const (
	PurchasePackage PurchaseKind = "package"
	PurchaseGrant   PurchaseKind = "grant"
)

// Purchase is an append-only balance credit.
type Purchase struct {
	ID             int64        `json:"id"`
	SubscriptionID int64        `json:"subscription_id"`
	PackageID      string       `json:"package_id,omitempty"`
	Kind           PurchaseKind `json:"kind"`
	Tokens         int64        `json:"tokens"`
	PriceCents     int64        `json:"price_cents"`
	Currency       string       `json:"currency"`
	CreatedAt      time.Time    `json:"created_at"`
}

// HistoryQuery filters consumption history. Zero values mean "no filter".
type HistoryQuery struct {
	SubscriptionID int64
	From           time.Time
	To             time.Time
	Model          string
	Provider       string
	Source         SourceType
	Limit          int
	Offset         int
}

// HistoryPage is one page of consumption history.
type HistoryPage struct {
	Entries []LedgerEntry `json:"entries"`
	Total   int64         `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// UsageSummary aggregates ledger entries by model, provider and source.
type UsageSummary struct {
	ModelName    string     `json:"model_name"`
	Provider     string     `json:"provider"`
	SourceType   SourceType `json:"source_type"`
	ChargeCount  int        `json:"charge_count"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	Tokens       int64      `json:"tokens"`
	Cost         float64    `json:"cost"`
	Price        float64    `json:"price"`
}

// BalanceReport compares the stored balance with what the ledger implies.
type BalanceReport struct {
	SubscriptionID int64 `json:"subscription_id"`
	Stored         int64 `json:"stored"`
	Credits        int64 `json:"credits"`
	Debits         int64 `json:"debits"`
}

// Consistent reports whether balance == credits - debits and balance >= 0.
func (r BalanceReport) Consistent() bool {
	return r.Stored >= 0 && r.Stored == r.Credits-r.Debits
}
