package voxmeter

import "time"

// Plan is the subscription tier an account is entitled to.
type Plan string

const (
	PlanTrial     Plan = "trial"
	PlanStarter   Plan = "starter"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanTrial, PlanStarter, PlanPro, PlanUnlimited:
		return true
	default:
		return false
	}
}

// Action identifies the metered operation in usage history.
type Action string

const (
	ActionTranscription Action = "transcription"
	ActionEnrichment    Action = "enrichment"
)

// AccountQuota is the per-account ledger row.
type AccountQuota struct {
	UserID      string    `json:"user_id"`
	TokensUsed  int64     `json:"tokens_used"`
	TokensLimit int64     `json:"tokens_limit"`
	Plan        Plan      `json:"plan"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Remaining returns the headroom left under TokensLimit, never negative.
// It is meaningless for PlanUnlimited.
func (q AccountQuota) Remaining() int64 {
	if q.TokensUsed >= q.TokensLimit {
		return 0
	}
	return q.TokensLimit - q.TokensUsed
}

// UsageEntry is an immutable usage-history row.
type UsageEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TokensUsed int64     `json:"tokens_used"`
	Action     Action    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
}

// SubscriptionStatus is the local view of a processor subscription state.
type SubscriptionStatus string

const (
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
)

// MapProcessorStatus maps a payment processor subscription status to the local
// status set. Anything unrecognised maps to incomplete.
func MapProcessorStatus(status string) SubscriptionStatus {
	switch status {
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// SubscriptionRecord links an account to its processor subscription.
type SubscriptionRecord struct {
	UserID             string             `json:"user_id"`
	CustomerID         string             `json:"customer_id"`
	SubscriptionID     string             `json:"subscription_id"`
	Plan               Plan               `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	UpdatedAt          time.Time          `json:"updated_at,omitempty"`
}

// Change describes a ledger mutation published to interested readers.
type Change struct {
	UserID string       `json:"user_id"`
	Kind   ChangeKind   `json:"kind"`
	Quota  AccountQuota `json:"quota"`
	At     time.Time    `json:"at"`
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeUsageRecorded      ChangeKind = "usage_recorded"
	ChangeEntitlementChanged ChangeKind = "entitlement_changed"
)
