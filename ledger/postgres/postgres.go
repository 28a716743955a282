// Package postgres provides a PostgreSQL-backed ledger for voxmeter.
//
// Quota rows, usage history, subscription records and processed webhook
// events live in prefixed tables. Every quota mutation is a single upsert
// statement, so concurrent writers for the same account never lose updates.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/voxmeter"
)

// Store is a PostgreSQL-backed Ledger, HistoryStore, SubscriptionStore and EventLog.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ voxmeter.Ledger            = (*Store)(nil)
	_ voxmeter.HistoryStore      = (*Store)(nil)
	_ voxmeter.SubscriptionStore = (*Store)(nil)
	_ voxmeter.EventLog          = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "voxmeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "voxmeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string      { return s.tablePrefix + "accounts" }
func (s *Store) historyTable() string       { return s.tablePrefix + "usage_history" }
func (s *Store) subscriptionsTable() string { return s.tablePrefix + "subscriptions" }
func (s *Store) eventsTable() string        { return s.tablePrefix + "processed_events" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			tokens_limit BIGINT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'trial',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tokens_used BIGINT NOT NULL,
			action TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_user_created_idx ON %[2]s (user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			user_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT UNIQUE,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.accountsTable(), s.historyTable(), s.subscriptionsTable(), s.eventsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("voxmeter/postgres: ensure schema: %w", err)
	}
	return nil
}

const accountColumns = `user_id, tokens_used, tokens_limit, plan, updated_at`

func scanAccount(row pgx.Row) (voxmeter.AccountQuota, error) {
	var (
		q    voxmeter.AccountQuota
		plan string
	)
	if err := row.Scan(&q.UserID, &q.TokensUsed, &q.TokensLimit, &plan, &q.UpdatedAt); err != nil {
		return voxmeter.AccountQuota{}, err
	}
	q.Plan = voxmeter.Plan(plan)
	return q, nil
}

func (s *Store) Get(ctx context.Context, userID string) (voxmeter.AccountQuota, error) {
	q, err := scanAccount(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, accountColumns, s.accountsTable()),
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: get account: %w", err)
	}
	return q, nil
}

func (s *Store) Ensure(ctx context.Context, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, tokens_used, tokens_limit, plan)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO NOTHING`, s.accountsTable()),
		defaults.UserID, defaults.TokensUsed, defaults.TokensLimit, string(defaults.Plan),
	)
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: ensure account: %w", err)
	}
	return s.Get(ctx, defaults.UserID)
}

// AddUsage increments tokens_used in a single upsert, inserting the defaults
// row with tokens_used = amount when the account is new.
func (s *Store) AddUsage(ctx context.Context, userID string, amount int64, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	q, err := scanAccount(s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS a (user_id, tokens_used, tokens_limit, plan)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE
				SET tokens_used = a.tokens_used + EXCLUDED.tokens_used, updated_at = now()
			RETURNING %[2]s`, s.accountsTable(), accountColumns),
		userID, amount, defaults.TokensLimit, string(defaults.Plan),
	))
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: add usage: %w", err)
	}
	return q, nil
}

func (s *Store) SetEntitlement(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	if !plan.Valid() {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: %w: unknown plan %q", voxmeter.ErrInvalidInput, plan)
	}
	q, err := scanAccount(s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (user_id, tokens_used, tokens_limit, plan)
			VALUES ($1, 0, $2, $3)
			ON CONFLICT (user_id) DO UPDATE
				SET tokens_limit = EXCLUDED.tokens_limit, plan = EXCLUDED.plan, updated_at = now()
			RETURNING %[2]s`, s.accountsTable(), accountColumns),
		userID, limit, string(plan),
	))
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: set entitlement: %w", err)
	}
	return q, nil
}

func (s *Store) ApplyUpgrade(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	if !plan.Valid() {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: %w: unknown plan %q", voxmeter.ErrInvalidInput, plan)
	}
	q, err := scanAccount(s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (user_id, tokens_used, tokens_limit, plan)
			VALUES ($1, 0, $2, $3)
			ON CONFLICT (user_id) DO UPDATE
				SET tokens_used = 0, tokens_limit = EXCLUDED.tokens_limit, plan = EXCLUDED.plan, updated_at = now()
			RETURNING %[2]s`, s.accountsTable(), accountColumns),
		userID, limit, string(plan),
	))
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: apply upgrade: %w", err)
	}
	return q, nil
}

func (s *Store) ResetUsage(ctx context.Context, userID string) (voxmeter.AccountQuota, error) {
	q, err := scanAccount(s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_used = 0, updated_at = now()
			WHERE user_id = $1
			RETURNING %s`, s.accountsTable(), accountColumns),
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/postgres: reset usage: %w", err)
	}
	return q, nil
}

func (s *Store) Append(ctx context.Context, entry voxmeter.UsageEntry) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, tokens_used, action, created_at)
			VALUES ($1, $2, $3, $4, $5)`, s.historyTable()),
		entry.ID, entry.UserID, entry.TokensUsed, string(entry.Action), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("voxmeter/postgres: append history: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, userID string, limit int) ([]voxmeter.UsageEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, tokens_used, action, created_at FROM %s
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2`, s.historyTable()),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("voxmeter/postgres: list history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voxmeter.UsageEntry, error) {
		var (
			e      voxmeter.UsageEntry
			action string
		)
		err := row.Scan(&e.ID, &e.UserID, &e.TokensUsed, &action, &e.Timestamp)
		e.Action = voxmeter.Action(action)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("voxmeter/postgres: scan history: %w", err)
	}
	return entries, nil
}

const subscriptionColumns = `user_id, customer_id, subscription_id, plan, status,
	current_period_start, current_period_end, cancel_at_period_end, updated_at`

func scanSubscription(row pgx.Row) (voxmeter.SubscriptionRecord, error) {
	var (
		rec                    voxmeter.SubscriptionRecord
		subID                  *string
		plan, status           string
		periodStart, periodEnd *time.Time
	)
	err := row.Scan(&rec.UserID, &rec.CustomerID, &subID, &plan, &status,
		&periodStart, &periodEnd, &rec.CancelAtPeriodEnd, &rec.UpdatedAt)
	if err != nil {
		return voxmeter.SubscriptionRecord{}, err
	}
	if subID != nil {
		rec.SubscriptionID = *subID
	}
	if periodStart != nil {
		rec.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		rec.CurrentPeriodEnd = *periodEnd
	}
	rec.Plan = voxmeter.Plan(plan)
	rec.Status = voxmeter.SubscriptionStatus(status)
	return rec, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, rec voxmeter.SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, customer_id, subscription_id, plan, status,
				current_period_start, current_period_end, cancel_at_period_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				updated_at = now()`, s.subscriptionsTable()),
		rec.UserID, rec.CustomerID, nullString(rec.SubscriptionID), string(rec.Plan), string(rec.Status),
		nullTime(rec.CurrentPeriodStart), nullTime(rec.CurrentPeriodEnd), rec.CancelAtPeriodEnd,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("voxmeter/postgres: subscription %s belongs to another account: %w", rec.SubscriptionID, err)
		}
		return fmt.Errorf("voxmeter/postgres: upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) SubscriptionByID(ctx context.Context, subscriptionID string) (voxmeter.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE subscription_id = $1`, subscriptionColumns, s.subscriptionsTable()),
		subscriptionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return voxmeter.SubscriptionRecord{}, voxmeter.ErrSubscriptionNotFound
	}
	if err != nil {
		return voxmeter.SubscriptionRecord{}, fmt.Errorf("voxmeter/postgres: subscription by id: %w", err)
	}
	return rec, nil
}

func (s *Store) SubscriptionByUser(ctx context.Context, userID string) (voxmeter.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1`, subscriptionColumns, s.subscriptionsTable()),
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return voxmeter.SubscriptionRecord{}, voxmeter.ErrSubscriptionNotFound
	}
	if err != nil {
		return voxmeter.SubscriptionRecord{}, fmt.Errorf("voxmeter/postgres: subscription by user: %w", err)
	}
	return rec, nil
}

func (s *Store) Processed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE event_id = $1)`, s.eventsTable()),
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("voxmeter/postgres: processed: %w", err)
	}
	return exists, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (event_id, event_type) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`, s.eventsTable()),
		eventID, eventType,
	)
	if err != nil {
		return fmt.Errorf("voxmeter/postgres: mark processed: %w", err)
	}
	return nil
}

// CleanupProcessedEvents removes processed-event markers older than olderThan.
// The processor stops redelivering after a few days, so old markers are dead weight.
func (s *Store) CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE processed_at < $1`, s.eventsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("voxmeter/postgres: cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
