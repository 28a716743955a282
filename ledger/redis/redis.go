// Package redis provides a Redis-backed ledger for voxmeter.
//
// Quota rows are Redis hashes mutated by Lua scripts, so an increment and a
// concurrent entitlement change never interleave. Usage history is a capped
// list per account, newest entry first.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/voxmeter"
)

const defaultHistoryCap = 1000

// Store is a Redis-backed Ledger and HistoryStore.
type Store struct {
	client     goredis.Cmdable
	keyPrefix  string
	historyCap int64
	now        func() time.Time
}

var (
	_ voxmeter.Ledger       = (*Store)(nil)
	_ voxmeter.HistoryStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "voxmeter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithHistoryCap bounds the number of history entries kept per account.
func WithHistoryCap(n int64) Option {
	return func(s *Store) { s.historyCap = n }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "voxmeter:",
		historyCap: defaultHistoryCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(userID string) string {
	return s.keyPrefix + "account:" + userID
}

func (s *Store) historyKey(userID string) string {
	return s.keyPrefix + "history:" + userID
}

// Every script replies with HMGET tokens_used, tokens_limit, plan, updated_at.

// ensureScript inserts the defaults row if the account does not exist.
// KEYS[1] = account hash key
// ARGV[1] = tokens_used, ARGV[2] = tokens_limit, ARGV[3] = plan, ARGV[4] = now (unix seconds)
var ensureScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "tokens_used", ARGV[1], "tokens_limit", ARGV[2], "plan", ARGV[3], "updated_at", ARGV[4])
end
return redis.call("HMGET", key, "tokens_used", "tokens_limit", "plan", "updated_at")
`)

// addUsageScript increments tokens_used, inserting the defaults row with
// tokens_used = amount if the account does not exist.
// KEYS[1] = account hash key
// ARGV[1] = amount, ARGV[2] = default tokens_limit, ARGV[3] = default plan, ARGV[4] = now
var addUsageScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "tokens_used", ARGV[1], "tokens_limit", ARGV[2], "plan", ARGV[3], "updated_at", ARGV[4])
else
    redis.call("HINCRBY", key, "tokens_used", tonumber(ARGV[1]))
    redis.call("HSET", key, "updated_at", ARGV[4])
end
return redis.call("HMGET", key, "tokens_used", "tokens_limit", "plan", "updated_at")
`)

// entitlementScript overwrites plan and tokens_limit.
// KEYS[1] = account hash key
// ARGV[1] = plan, ARGV[2] = tokens_limit, ARGV[3] = now, ARGV[4] = reset usage ("1" or "0")
var entitlementScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    redis.call("HSET", key, "tokens_used", "0")
end
redis.call("HSET", key, "plan", ARGV[1], "tokens_limit", ARGV[2], "updated_at", ARGV[3])
if ARGV[4] == "1" then
    redis.call("HSET", key, "tokens_used", "0")
end
return redis.call("HMGET", key, "tokens_used", "tokens_limit", "plan", "updated_at")
`)

// resetScript zeroes tokens_used of an existing account.
// KEYS[1] = account hash key
// ARGV[1] = now
//
// Returns nil if the account does not exist.
var resetScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return false
end
redis.call("HSET", key, "tokens_used", "0", "updated_at", ARGV[1])
return redis.call("HMGET", key, "tokens_used", "tokens_limit", "plan", "updated_at")
`)

func (s *Store) Get(ctx context.Context, userID string) (voxmeter.AccountQuota, error) {
	vals, err := s.client.HMGet(ctx, s.accountKey(userID), "tokens_used", "tokens_limit", "plan", "updated_at").Result()
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: get account: %w", err)
	}
	if vals[0] == nil {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	return parseAccount(userID, vals)
}

func (s *Store) Ensure(ctx context.Context, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	vals, err := ensureScript.Run(ctx, s.client,
		[]string{s.accountKey(defaults.UserID)},
		defaults.TokensUsed, defaults.TokensLimit, string(defaults.Plan), s.now().Unix(),
	).Slice()
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: ensure account: %w", err)
	}
	return parseAccount(defaults.UserID, vals)
}

func (s *Store) AddUsage(ctx context.Context, userID string, amount int64, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	vals, err := addUsageScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		amount, defaults.TokensLimit, string(defaults.Plan), s.now().Unix(),
	).Slice()
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: add usage: %w", err)
	}
	return parseAccount(userID, vals)
}

func (s *Store) SetEntitlement(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	return s.entitle(ctx, userID, plan, limit, false)
}

func (s *Store) ApplyUpgrade(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	return s.entitle(ctx, userID, plan, limit, true)
}

func (s *Store) entitle(ctx context.Context, userID string, plan voxmeter.Plan, limit int64, resetUsage bool) (voxmeter.AccountQuota, error) {
	if !plan.Valid() {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: %w: unknown plan %q", voxmeter.ErrInvalidInput, plan)
	}
	reset := "0"
	if resetUsage {
		reset = "1"
	}
	vals, err := entitlementScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		string(plan), limit, s.now().Unix(), reset,
	).Slice()
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: set entitlement: %w", err)
	}
	return parseAccount(userID, vals)
}

func (s *Store) ResetUsage(ctx context.Context, userID string) (voxmeter.AccountQuota, error) {
	vals, err := resetScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		s.now().Unix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: reset usage: %w", err)
	}
	return parseAccount(userID, vals)
}

// Append pushes entry to the head of the account's history list and trims
// the list to the configured cap.
func (s *Store) Append(ctx context.Context, entry voxmeter.UsageEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("voxmeter/redis: encode history entry: %w", err)
	}

	key := s.historyKey(entry.UserID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if s.historyCap > 0 {
		pipe.LTrim(ctx, key, 0, s.historyCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxmeter/redis: append history: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, userID string, limit int) ([]voxmeter.UsageEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.historyKey(userID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("voxmeter/redis: list history: %w", err)
	}

	entries := make([]voxmeter.UsageEntry, 0, len(raw))
	for _, item := range raw {
		var e voxmeter.UsageEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("voxmeter/redis: decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseAccount(userID string, vals []interface{}) (voxmeter.AccountQuota, error) {
	if len(vals) != 4 || vals[0] == nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: unexpected account reply for %s: %v", userID, vals)
	}

	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}

	used, err := strconv.ParseInt(str(vals[0]), 10, 64)
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: parse tokens_used: %w", err)
	}
	limit, err := strconv.ParseInt(str(vals[1]), 10, 64)
	if err != nil {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/redis: parse tokens_limit: %w", err)
	}
	updated, _ := strconv.ParseInt(str(vals[3]), 10, 64)

	return voxmeter.AccountQuota{
		UserID:      userID,
		TokensUsed:  used,
		TokensLimit: limit,
		Plan:        voxmeter.Plan(str(vals[2])),
		UpdatedAt:   time.Unix(updated, 0).UTC(),
	}, nil
}
