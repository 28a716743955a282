// Package ledger provides an in-memory implementation of the voxmeter store
// interfaces, suitable for tests and single-process deployments.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/voxmeter"
)

// MemoryStore is an in-memory Ledger, HistoryStore, SubscriptionStore and
// EventLog. All operations are serialized by a single mutex, which gives
// per-row atomicity for free.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*voxmeter.AccountQuota
	history     map[string][]voxmeter.UsageEntry
	subsByUser  map[string]voxmeter.SubscriptionRecord
	userBySubID map[string]string
	processed   map[string]processedEvent
	now         func() time.Time
}

type processedEvent struct {
	Type        string
	ProcessedAt time.Time
}

var (
	_ voxmeter.Ledger            = (*MemoryStore)(nil)
	_ voxmeter.HistoryStore      = (*MemoryStore)(nil)
	_ voxmeter.SubscriptionStore = (*MemoryStore)(nil)
	_ voxmeter.EventLog          = (*MemoryStore)(nil)
)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		accounts:    make(map[string]*voxmeter.AccountQuota),
		history:     make(map[string][]voxmeter.UsageEntry),
		subsByUser:  make(map[string]voxmeter.SubscriptionRecord),
		userBySubID: make(map[string]string),
		processed:   make(map[string]processedEvent),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put overwrites an account row. Intended for seeding tests and fixtures.
func (s *MemoryStore) Put(q voxmeter.AccountQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q.UpdatedAt = s.now().UTC()
	s.accounts[q.UserID] = &q
}

func (s *MemoryStore) Get(_ context.Context, userID string) (voxmeter.AccountQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.accounts[userID]
	if !ok {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	return *q, nil
}

func (s *MemoryStore) Ensure(_ context.Context, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	if defaults.UserID == "" {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/ledger: %w: empty user id", voxmeter.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.getOrInsert(defaults), nil
}

func (s *MemoryStore) AddUsage(_ context.Context, userID string, amount int64, defaults voxmeter.AccountQuota) (voxmeter.AccountQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defaults.UserID = userID
	q := s.getOrInsert(defaults)
	q.TokensUsed += amount
	q.UpdatedAt = s.now().UTC()
	return *q, nil
}

func (s *MemoryStore) SetEntitlement(_ context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	if !plan.Valid() {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/ledger: %w: unknown plan %q", voxmeter.ErrInvalidInput, plan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.getOrInsert(voxmeter.AccountQuota{UserID: userID, Plan: plan, TokensLimit: limit})
	q.Plan = plan
	q.TokensLimit = limit
	q.UpdatedAt = s.now().UTC()
	return *q, nil
}

func (s *MemoryStore) ApplyUpgrade(_ context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	if !plan.Valid() {
		return voxmeter.AccountQuota{}, fmt.Errorf("voxmeter/ledger: %w: unknown plan %q", voxmeter.ErrInvalidInput, plan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.getOrInsert(voxmeter.AccountQuota{UserID: userID})
	q.Plan = plan
	q.TokensLimit = limit
	q.TokensUsed = 0
	q.UpdatedAt = s.now().UTC()
	return *q, nil
}

func (s *MemoryStore) ResetUsage(_ context.Context, userID string) (voxmeter.AccountQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.accounts[userID]
	if !ok {
		return voxmeter.AccountQuota{}, voxmeter.ErrAccountNotFound
	}
	q.TokensUsed = 0
	q.UpdatedAt = s.now().UTC()
	return *q, nil
}

// getOrInsert must be called with the write lock held.
func (s *MemoryStore) getOrInsert(defaults voxmeter.AccountQuota) *voxmeter.AccountQuota {
	q, ok := s.accounts[defaults.UserID]
	if !ok {
		row := defaults
		row.UpdatedAt = s.now().UTC()
		q = &row
		s.accounts[defaults.UserID] = q
	}
	return q
}

func (s *MemoryStore) Append(_ context.Context, entry voxmeter.UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[entry.UserID] = append(s.history[entry.UserID], entry)
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]voxmeter.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]voxmeter.UsageEntry, len(s.history[userID]))
	copy(entries, s.history[userID])

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, rec voxmeter.SubscriptionRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("voxmeter/ledger: %w: subscription without user id", voxmeter.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.subsByUser[rec.UserID]; ok && prev.SubscriptionID != rec.SubscriptionID {
		delete(s.userBySubID, prev.SubscriptionID)
	}
	if owner, ok := s.userBySubID[rec.SubscriptionID]; ok && owner != rec.UserID {
		return fmt.Errorf("voxmeter/ledger: subscription %s already belongs to %s", rec.SubscriptionID, owner)
	}

	rec.UpdatedAt = s.now().UTC()
	s.subsByUser[rec.UserID] = rec
	if rec.SubscriptionID != "" {
		s.userBySubID[rec.SubscriptionID] = rec.UserID
	}
	return nil
}

func (s *MemoryStore) SubscriptionByID(_ context.Context, subscriptionID string) (voxmeter.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.userBySubID[subscriptionID]
	if !ok {
		return voxmeter.SubscriptionRecord{}, voxmeter.ErrSubscriptionNotFound
	}
	return s.subsByUser[userID], nil
}

func (s *MemoryStore) SubscriptionByUser(_ context.Context, userID string) (voxmeter.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subsByUser[userID]
	if !ok {
		return voxmeter.SubscriptionRecord{}, voxmeter.ErrSubscriptionNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Processed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = processedEvent{Type: eventType, ProcessedAt: s.now().UTC()}
	}
	return nil
}
