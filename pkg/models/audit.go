package models

import "time"

// AuditAction names an accounting event.
type AuditAction string

const (
	AuditCharge          AuditAction = "charge"
	AuditChargeRejected  AuditAction = "charge_rejected"
	AuditSubscribed      AuditAction = "subscribed"
	AuditPlanChanged     AuditAction = "plan_changed"
	AuditTokensAdded     AuditAction = "tokens_added"
	AuditPackagePurchase AuditAction = "package_purchased"
	AuditPeriodReset     AuditAction = "period_reset"
	AuditPeriodRollover  AuditAction = "period_rollover"
	AuditTrialExtended   AuditAction = "trial_extended"
	AuditTrialExpired    AuditAction = "trial_expired"
	AuditCancelled       AuditAction = "cancelled"
)

// AuditEntry records one accounting event.
type AuditEntry struct {
	ID             int64       `json:"id"`
	RequestID      string      `json:"request_id,omitempty"`
	SubscriptionID int64       `json:"subscription_id"`
	Action         AuditAction `json:"action"`
	Tokens         int64       `json:"tokens,omitempty"`
	FromValue      string      `json:"from,omitempty"`
	ToValue        string      `json:"to,omitempty"`
	Detail         string      `json:"detail,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DBPath         string   `yaml:"db_path"`
	RetentionDays  int      `yaml:"retention_days"`
	ExcludeActions []string `yaml:"exclude_actions"`
	MaxDetailSize  int      `yaml:"max_detail_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	SubscriptionID int64
	Action         AuditAction
	Since          time.Time
	RequestID      string
	Limit          int
}

// AuditStat holds aggregate audit counts for an action/day combination.
type AuditStat struct {
	Action AuditAction
	Day    string
	Count  int
}
