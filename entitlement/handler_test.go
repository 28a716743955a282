package entitlement_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/entitlement"
	"github.com/ineyio/voxmeter/ledger"
)

const testSignature = "t=1,v1=good"

// spyLedger counts entitlement writes reaching the store.
type spyLedger struct {
	*ledger.MemoryStore

	mu     sync.Mutex
	writes int
}

func (s *spyLedger) count() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *spyLedger) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *spyLedger) SetEntitlement(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	s.count()
	return s.MemoryStore.SetEntitlement(ctx, userID, plan, limit)
}

func (s *spyLedger) ApplyUpgrade(ctx context.Context, userID string, plan voxmeter.Plan, limit int64) (voxmeter.AccountQuota, error) {
	s.count()
	return s.MemoryStore.ApplyUpgrade(ctx, userID, plan, limit)
}

func (s *spyLedger) ResetUsage(ctx context.Context, userID string) (voxmeter.AccountQuota, error) {
	s.count()
	return s.MemoryStore.ResetUsage(ctx, userID)
}

func (s *spyLedger) UpsertSubscription(ctx context.Context, rec voxmeter.SubscriptionRecord) error {
	s.count()
	return s.MemoryStore.UpsertSubscription(ctx, rec)
}

// testVerifier accepts testSignature and decodes a JSON envelope of the form
// {"id": ..., "kind": ..., "data": {...}}.
func testVerifier() entitlement.VerifierFunc {
	return func(payload []byte, signature string) (entitlement.Event, error) {
		if signature != testSignature {
			return entitlement.Event{}, fmt.Errorf("%w: bad v1", voxmeter.ErrInvalidSignature)
		}
		var env struct {
			ID   string          `json:"id"`
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			return entitlement.Event{}, err
		}
		return entitlement.Event{ID: env.ID, Type: env.Kind, Kind: entitlement.Kind(env.Kind), Raw: env.Data}, nil
	}
}

func envelope(t *testing.T, id string, kind entitlement.Kind, data any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": id, "kind": kind, "data": data})
	require.NoError(t, err)
	return string(raw)
}

type observed struct {
	eventType string
	status    int
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (o *recordingObserver) ObserveWebhook(eventType string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observed{eventType, status})
}

type handlerFixture struct {
	store    *spyLedger
	handler  *entitlement.Handler
	observer *recordingObserver
}

func newHandlerFixture(applier entitlement.EventHandler, subs ...entitlement.Subscription) handlerFixture {
	store := &spyLedger{MemoryStore: ledger.NewMemoryStore()}
	fetcher := fakeFetcher{}
	for _, s := range subs {
		fetcher[s.ID] = s
	}
	if applier == nil {
		applier = entitlement.NewSynchronizer(voxmeter.DefaultConfig(), store, store, entitlement.WithFetcher(fetcher))
	}
	obs := &recordingObserver{}
	h := entitlement.NewHandler(testVerifier(), applier,
		entitlement.WithEventLog(store.MemoryStore),
		entitlement.WithObserver(obs),
	)
	return handlerFixture{store: store, handler: h, observer: obs}
}

func post(h http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func checkoutData(userID, subID string) map[string]any {
	return map[string]any{
		"id":           "cs_1",
		"mode":         "subscription",
		"customer":     "cus_" + userID,
		"subscription": subID,
		"metadata":     map[string]string{"user_id": userID},
	}
}

func TestHandler_AppliesVerifiedEvent(t *testing.T) {
	f := newHandlerFixture(nil, activeSub("sub_1", "u1"))
	f.store.Put(voxmeter.AccountQuota{UserID: "u1", TokensUsed: 4999, TokensLimit: 5000, Plan: voxmeter.PlanTrial})

	rec := post(f.handler, envelope(t, "evt_1", entitlement.KindCheckoutCompleted, checkoutData("u1", "sub_1")), testSignature)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	q, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, voxmeter.PlanPro, q.Plan)
	assert.Equal(t, int64(50000), q.TokensLimit)
	assert.Equal(t, int64(0), q.TokensUsed)

	done, err := f.store.Processed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, done)

	require.Len(t, f.observer.seen, 1)
	assert.Equal(t, observed{string(entitlement.KindCheckoutCompleted), http.StatusOK}, f.observer.seen[0])
}

func TestHandler_InvalidSignatureWritesNothing(t *testing.T) {
	f := newHandlerFixture(nil, activeSub("sub_1", "u1"))

	rec := post(f.handler, envelope(t, "evt_1", entitlement.KindCheckoutCompleted, checkoutData("u1", "sub_1")), "t=1,v1=forged")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.store.Writes())

	_, err := f.store.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, voxmeter.ErrAccountNotFound)

	done, err := f.store.Processed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestHandler_MissingSignature(t *testing.T) {
	f := newHandlerFixture(nil)
	rec := post(f.handler, `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.store.Writes())
}

func TestHandler_FallbackSignatureHeader(t *testing.T) {
	f := newHandlerFixture(nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing",
		strings.NewReader(envelope(t, "evt_1", "customer.created", map[string]any{})))
	req.Header.Set("Signature", testSignature)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_RejectsNonPost(t *testing.T) {
	f := newHandlerFixture(nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/billing", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_DuplicateEventSkipped(t *testing.T) {
	var calls int
	applier := entitlementHandlerFunc(func(context.Context, entitlement.Event) error {
		calls++
		return nil
	})
	f := newHandlerFixture(applier)
	body := envelope(t, "evt_1", entitlement.KindInvoicePaid, map[string]any{"id": "in_1"})

	assert.Equal(t, http.StatusOK, post(f.handler, body, testSignature).Code)
	assert.Equal(t, http.StatusOK, post(f.handler, body, testSignature).Code)
	assert.Equal(t, 1, calls)
}

func TestHandler_FailedEventRetriedOnRedelivery(t *testing.T) {
	var calls int
	applier := entitlementHandlerFunc(func(context.Context, entitlement.Event) error {
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	f := newHandlerFixture(applier)
	body := envelope(t, "evt_1", entitlement.KindInvoicePaid, map[string]any{"id": "in_1"})

	assert.Equal(t, http.StatusInternalServerError, post(f.handler, body, testSignature).Code)
	done, err := f.store.Processed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, http.StatusOK, post(f.handler, body, testSignature).Code)
	assert.Equal(t, 2, calls)
}

func TestHandler_MalformedEventIsBadRequest(t *testing.T) {
	f := newHandlerFixture(nil)
	body := envelope(t, "evt_1", entitlement.KindCheckoutCompleted, map[string]any{"id": "cs_1", "mode": "subscription"})

	rec := post(f.handler, body, testSignature)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.store.Writes())
}

func TestHandler_ReplayedCheckoutConverges(t *testing.T) {
	f := newHandlerFixture(nil, activeSub("sub_1", "u1"))
	ctx := context.Background()

	// Distinct event ids carrying the same checkout, as when the processor
	// resends after a lost acknowledgement.
	require.Equal(t, http.StatusOK, post(f.handler, envelope(t, "evt_1", entitlement.KindCheckoutCompleted, checkoutData("u1", "sub_1")), testSignature).Code)
	first, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, post(f.handler, envelope(t, "evt_2", entitlement.KindCheckoutCompleted, checkoutData("u1", "sub_1")), testSignature).Code)
	second, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first.Plan, second.Plan)
	assert.Equal(t, first.TokensLimit, second.TokensLimit)
	assert.Equal(t, first.TokensUsed, second.TokensUsed)
}

type entitlementHandlerFunc func(ctx context.Context, ev entitlement.Event) error

func (f entitlementHandlerFunc) Handle(ctx context.Context, ev entitlement.Event) error {
	return f(ctx, ev)
}
