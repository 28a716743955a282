package voxmeter

import "context"

// Ledger is the durable per-account quota store.
//
// Writes are split by owner: AddUsage belongs to the Usage Recorder, the
// entitlement methods to the Entitlement Synchronizer. Every entitlement write
// is an overwrite so that replays are harmless.
type Ledger interface {
	// Get returns the account's quota row or ErrAccountNotFound.
	Get(ctx context.Context, userID string) (AccountQuota, error)

	// Ensure returns the existing row, inserting defaults if none exists.
	Ensure(ctx context.Context, defaults AccountQuota) (AccountQuota, error)

	// AddUsage atomically increments tokens_used by amount. If the row does not
	// exist it is inserted from defaults with tokens_used = amount.
	AddUsage(ctx context.Context, userID string, amount int64, defaults AccountQuota) (AccountQuota, error)

	// SetEntitlement overwrites plan and tokens_limit, leaving tokens_used
	// untouched. A missing row is inserted with tokens_used = 0.
	SetEntitlement(ctx context.Context, userID string, plan Plan, limit int64) (AccountQuota, error)

	// ApplyUpgrade overwrites plan and tokens_limit and resets tokens_used to 0.
	ApplyUpgrade(ctx context.Context, userID string, plan Plan, limit int64) (AccountQuota, error)

	// ResetUsage sets tokens_used to 0 and leaves plan and tokens_limit alone.
	// Returns ErrAccountNotFound if there is no row.
	ResetUsage(ctx context.Context, userID string) (AccountQuota, error)
}

// HistoryStore is the append-only usage history.
type HistoryStore interface {
	// Append writes an immutable usage entry.
	Append(ctx context.Context, entry UsageEntry) error

	// List returns the newest entries for a user, newest first.
	List(ctx context.Context, userID string, limit int) ([]UsageEntry, error)
}

// SubscriptionStore persists processor subscription records.
type SubscriptionStore interface {
	// UpsertSubscription writes rec keyed by its UserID.
	UpsertSubscription(ctx context.Context, rec SubscriptionRecord) error

	// SubscriptionByID looks a record up by processor subscription id.
	SubscriptionByID(ctx context.Context, subscriptionID string) (SubscriptionRecord, error)

	// SubscriptionByUser looks a record up by account id.
	SubscriptionByUser(ctx context.Context, userID string) (SubscriptionRecord, error)
}

// EventLog remembers webhook events that were fully processed.
type EventLog interface {
	// Processed reports whether eventID was already handled successfully.
	Processed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records eventID after its handler succeeded.
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}
