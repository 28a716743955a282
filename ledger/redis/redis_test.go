//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/voxmeter"
	ledgerredis "github.com/ineyio/voxmeter/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client, opts ...ledgerredis.Option) *ledgerredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := ledgerredis.New(client, append([]ledgerredis.Option{ledgerredis.WithKeyPrefix(prefix)}, opts...)...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func trial(userID string) voxmeter.AccountQuota {
	return voxmeter.AccountQuota{UserID: userID, TokensLimit: 5000, Plan: voxmeter.PlanTrial}
}

func TestAddUsage_InsertsThenIncrements(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if _, err := store.Get(ctx, "u1"); err != voxmeter.ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	q, err := store.AddUsage(ctx, "u1", 700, trial("u1"))
	if err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if q.TokensUsed != 700 || q.TokensLimit != 5000 || q.Plan != voxmeter.PlanTrial {
		t.Fatalf("unexpected row after insert: %+v", q)
	}

	q, err = store.AddUsage(ctx, "u1", 200, trial("u1"))
	if err != nil {
		t.Fatalf("add usage: %v", err)
	}
	if q.TokensUsed != 900 {
		t.Fatalf("expected tokens_used=900, got %d", q.TokensUsed)
	}
}

func TestAddUsage_Concurrent(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AddUsage(ctx, "u1", 10, trial("u1")); err != nil {
				t.Errorf("add usage: %v", err)
			}
		}()
	}
	wg.Wait()

	q, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.TokensUsed != workers*10 {
		t.Fatalf("expected tokens_used=%d, got %d", workers*10, q.TokensUsed)
	}
}

func TestEntitlementWrites(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if _, err := store.AddUsage(ctx, "u1", 4999, trial("u1")); err != nil {
		t.Fatalf("add usage: %v", err)
	}

	q, err := store.ApplyUpgrade(ctx, "u1", voxmeter.PlanPro, 50000)
	if err != nil {
		t.Fatalf("apply upgrade: %v", err)
	}
	if q.Plan != voxmeter.PlanPro || q.TokensLimit != 50000 || q.TokensUsed != 0 {
		t.Fatalf("unexpected row after upgrade: %+v", q)
	}

	if _, err := store.AddUsage(ctx, "u1", 1200, trial("u1")); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	q, err = store.SetEntitlement(ctx, "u1", voxmeter.PlanTrial, 5000)
	if err != nil {
		t.Fatalf("set entitlement: %v", err)
	}
	if q.TokensUsed != 1200 || q.Plan != voxmeter.PlanTrial {
		t.Fatalf("set entitlement must not touch usage: %+v", q)
	}

	q, err = store.ResetUsage(ctx, "u1")
	if err != nil {
		t.Fatalf("reset usage: %v", err)
	}
	if q.TokensUsed != 0 || q.TokensLimit != 5000 {
		t.Fatalf("unexpected row after reset: %+v", q)
	}

	if _, err := store.ResetUsage(ctx, "ghost"); err != voxmeter.ErrAccountNotFound {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestEnsure_DoesNotOverwrite(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if _, err := store.ApplyUpgrade(ctx, "u1", voxmeter.PlanUnlimited, 0); err != nil {
		t.Fatalf("apply upgrade: %v", err)
	}
	q, err := store.Ensure(ctx, trial("u1"))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if q.Plan != voxmeter.PlanUnlimited {
		t.Fatalf("ensure overwrote existing row: %+v", q)
	}
}

func TestHistory_CappedNewestFirst(t *testing.T) {
	store := newTestStore(t, newTestClient(t), ledgerredis.WithHistoryCap(3))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := store.Append(ctx, voxmeter.UsageEntry{
			ID:         fmt.Sprintf("e%d", i),
			UserID:     "u1",
			TokensUsed: 100,
			Action:     voxmeter.ActionEnrichment,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "e4" || entries[2].ID != "e2" {
		t.Fatalf("unexpected history: %+v", entries)
	}
}
