package voxmeter_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/ledger"
	"github.com/ineyio/voxmeter/provider/mock"
)

type recordCall struct {
	userID string
	amount int64
	action voxmeter.Action
	ctxErr error
}

type spyRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (s *spyRecorder) Record(ctx context.Context, userID string, amount int64, action voxmeter.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordCall{userID: userID, amount: amount, action: action, ctxErr: ctx.Err()})
	return s.err
}

func (s *spyRecorder) Calls() []recordCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordCall(nil), s.calls...)
}

var testAuth = voxmeter.AuthenticatorFunc(func(_ context.Context, token string) (string, error) {
	switch token {
	case "token-alice":
		return "alice", nil
	case "token-bob":
		return "bob", nil
	default:
		return "", errors.New("unknown token")
	}
})

func newTestOrchestrator(t *testing.T, cfg voxmeter.Config, providers []voxmeter.Provider, opts ...voxmeter.Option) (*voxmeter.Orchestrator, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	all := append([]voxmeter.Option{
		voxmeter.WithAuthenticator(testAuth),
		voxmeter.WithLedger(store),
		voxmeter.WithHistory(store),
	}, opts...)
	o, err := voxmeter.NewOrchestrator(cfg, providers, all...)
	require.NoError(t, err)
	return o, store
}

func audio(n int) []byte { return make([]byte, n) }

func TestTranscribe_ChargesEstimateAndRecordsHistory(t *testing.T) {
	p := mock.New(mock.WithTranscript("hello"))
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p})

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Transcription)
	assert.Equal(t, "Enriched: hello", res.Enriched)
	assert.Equal(t, "Enriched: hello", res.Text)
	assert.Equal(t, int64(700), res.TokensUsed)
	assert.Equal(t, voxmeter.StateCompleted, res.State)
	assert.Equal(t, "mock", res.Provider)

	q, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), q.TokensUsed)
	assert.Equal(t, voxmeter.PlanTrial, q.Plan)

	entries, err := store.List(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, voxmeter.ActionTranscription, entries[0].Action)
	assert.Equal(t, int64(700), entries[0].TokensUsed)
}

func TestTranscribe_Unauthenticated(t *testing.T) {
	p := mock.New()
	rec := &spyRecorder{}
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))

	for _, token := range []string{"", "token-mallory"} {
		res, err := o.Transcribe(context.Background(), token, voxmeter.TranscribeRequest{Audio: audio(10)})
		assert.ErrorIs(t, err, voxmeter.ErrUnauthenticated)
		assert.Equal(t, voxmeter.StateRejected, res.State)
	}
	assert.Zero(t, p.CallCount())
	assert.Empty(t, rec.Calls())
}

func TestTranscribe_RejectedBeforeProviderCall(t *testing.T) {
	p := mock.New()
	rec := &spyRecorder{}
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))
	store.Put(voxmeter.AccountQuota{UserID: "alice", TokensUsed: 4801, TokensLimit: 5000, Plan: voxmeter.PlanTrial})

	_, err := o.Enrich(context.Background(), "token-alice", voxmeter.EnrichRequest{Text: "notes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, voxmeter.ErrInsufficientRemaining)

	var rej *voxmeter.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, int64(199), rej.Remaining)
	assert.Equal(t, int64(200), rej.Required)

	assert.Zero(t, p.CallCount())
	assert.Empty(t, rec.Calls())
}

func TestTranscribe_ProviderFailureChargesNothing(t *testing.T) {
	p := mock.New(mock.WithError(voxmeter.ErrProviderUnavailable))
	rec := &spyRecorder{}
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.Error(t, err)
	assert.ErrorIs(t, err, voxmeter.ErrProviderFailed)
	assert.ErrorIs(t, err, voxmeter.ErrProviderUnavailable)
	assert.Equal(t, voxmeter.StateFailed, res.State)

	var reqErr *voxmeter.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "alice", reqErr.UserID)
	assert.Equal(t, 1, reqErr.Attempts)

	assert.Empty(t, rec.Calls())
	_, err = store.Get(context.Background(), "alice")
	assert.ErrorIs(t, err, voxmeter.ErrAccountNotFound)
}

func TestTranscribe_TimeoutChargesNothing(t *testing.T) {
	p := mock.New(mock.WithLatency(time.Second))
	rec := &spyRecorder{}
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p},
		voxmeter.WithRecorder(rec),
		voxmeter.WithTimeout(20*time.Millisecond),
	)

	_, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.Error(t, err)
	assert.ErrorIs(t, err, voxmeter.ErrProviderFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.Calls())
}

func TestTranscribe_FallsThroughToNextProvider(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithError(voxmeter.ErrRateLimited))
	second := mock.New(mock.WithName("second"))
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{first, second})

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Provider)
	assert.Equal(t, int64(1), first.TranscribeCalls())
	assert.Equal(t, int64(1), second.TranscribeCalls())

	// Charged once despite two attempts.
	q, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), q.TokensUsed)
}

func TestTranscribe_FatalErrorStopsFallthrough(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithError(voxmeter.ErrProviderAuth))
	second := mock.New(mock.WithName("second"))
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{first, second})

	_, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	assert.ErrorIs(t, err, voxmeter.ErrProviderAuth)
	assert.Zero(t, second.CallCount())
}

func TestTranscribe_UnhealthyProviderSkipped(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithError(voxmeter.ErrProviderUnavailable))
	second := mock.New(mock.WithName("second"))
	health := voxmeter.NewHealthTracker(voxmeter.WithFailureThreshold(1))
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{first, second},
		voxmeter.WithHealthTracker(health),
	)

	for range 3 {
		_, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(10)})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), first.TranscribeCalls())
	assert.Equal(t, "unhealthy", o.Health()["first"])
	assert.Equal(t, "healthy", o.Health()["second"])
}

func TestTranscribe_EnrichmentFailureKeepsTranscription(t *testing.T) {
	p := mock.New(mock.WithTranscript("raw words"), mock.WithEnrichError(voxmeter.ErrProviderUnavailable))
	rec := &spyRecorder{}
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, "raw words", res.Text)
	assert.Equal(t, "raw words", res.Transcription)
	assert.Empty(t, res.Enriched)
	assert.Equal(t, int64(700), res.TokensUsed)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(700), calls[0].amount)
}

func TestTranscribe_ReportedCost(t *testing.T) {
	cfg := voxmeter.DefaultConfig()
	cfg.Pricing.UseReportedCost = true
	p := mock.New(mock.WithReportedTokens(50))
	o, _ := newTestOrchestrator(t, cfg, []voxmeter.Provider{p})

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.TokensUsed)

	// Without the switch the estimate is charged even when usage is reported.
	o, _ = newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p})
	res, err = o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.TokensUsed)
}

func TestTranscribe_RecordsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := mock.New(mock.WithEnrichFunc(func(req voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error) {
		cancel()
		return voxmeter.ProviderResponse{Text: "done"}, nil
	}))
	rec := &spyRecorder{}
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))

	_, err := o.Transcribe(ctx, "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0].ctxErr)
}

func TestTranscribe_RecordFailureDoesNotFailResponse(t *testing.T) {
	p := mock.New()
	rec := &spyRecorder{err: errors.New("ledger down")}
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p}, voxmeter.WithRecorder(rec))

	res, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)
	assert.Equal(t, voxmeter.StateCompleted, res.State)
	assert.Len(t, rec.Calls(), 1)
}

func TestTranscribe_RecordFailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	p := mock.New()
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p},
		voxmeter.WithLedger(failingLedger{ledger.NewMemoryStore()}),
		voxmeter.WithLogger(logger),
	)

	_, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{Audio: audio(1024)})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(buf.String(), `"msg":"usage_record_failed"`))
	assert.NotContains(t, buf.String(), "usage_not_recorded")
}

func TestTranscribe_EmptyAudioRejected(t *testing.T) {
	p := mock.New()
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p})

	_, err := o.Transcribe(context.Background(), "token-alice", voxmeter.TranscribeRequest{})
	assert.ErrorIs(t, err, voxmeter.ErrInvalidInput)
	assert.Zero(t, p.CallCount())
}

func TestEnrich_ChargesFlatCost(t *testing.T) {
	p := mock.New()
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p})

	res, err := o.Enrich(context.Background(), "token-bob", voxmeter.EnrichRequest{Text: "notes", Mode: voxmeter.ModeSummarize})
	require.NoError(t, err)
	assert.Equal(t, "Enriched: notes", res.Text)
	assert.Equal(t, int64(200), res.TokensUsed)
	assert.Zero(t, p.TranscribeCalls())

	entries, err := store.List(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, voxmeter.ActionEnrichment, entries[0].Action)
}

func TestEnrich_EmptyTranscript(t *testing.T) {
	p := mock.New()
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{p})

	_, err := o.Enrich(context.Background(), "token-alice", voxmeter.EnrichRequest{})
	assert.ErrorIs(t, err, voxmeter.ErrInvalidInput)
	assert.Zero(t, p.CallCount())
}

func TestUsage_CreatesTrialRow(t *testing.T) {
	o, store := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{mock.New()})

	q, err := o.Usage(context.Background(), "token-alice")
	require.NoError(t, err)
	assert.Equal(t, voxmeter.PlanTrial, q.Plan)
	assert.Equal(t, voxmeter.DefaultTrialTokensLimit, q.TokensLimit)
	assert.Zero(t, q.TokensUsed)

	_, err = store.Get(context.Background(), "alice")
	assert.NoError(t, err)
}

func TestHistory_NewestFirstAndIsolated(t *testing.T) {
	o, _ := newTestOrchestrator(t, voxmeter.DefaultConfig(), []voxmeter.Provider{mock.New()})
	ctx := context.Background()

	for range 3 {
		_, err := o.Enrich(ctx, "token-alice", voxmeter.EnrichRequest{Text: "x"})
		require.NoError(t, err)
	}
	_, err := o.Enrich(ctx, "token-bob", voxmeter.EnrichRequest{Text: "x"})
	require.NoError(t, err)

	entries, err := o.History(ctx, "token-alice", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	for _, e := range entries {
		assert.Equal(t, "alice", e.UserID)
	}

	all, err := o.History(ctx, "token-alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	store := ledger.NewMemoryStore()

	_, err := voxmeter.NewOrchestrator(voxmeter.DefaultConfig(), nil,
		voxmeter.WithAuthenticator(testAuth), voxmeter.WithLedger(store), voxmeter.WithHistory(store))
	assert.Error(t, err)

	_, err = voxmeter.NewOrchestrator(voxmeter.DefaultConfig(), []voxmeter.Provider{mock.New()},
		voxmeter.WithLedger(store), voxmeter.WithHistory(store))
	assert.Error(t, err)

	_, err = voxmeter.NewOrchestrator(voxmeter.DefaultConfig(), []voxmeter.Provider{mock.New()},
		voxmeter.WithAuthenticator(testAuth), voxmeter.WithHistory(store))
	assert.Error(t, err)

	_, err = voxmeter.NewOrchestrator(voxmeter.DefaultConfig(), []voxmeter.Provider{mock.New()},
		voxmeter.WithAuthenticator(testAuth), voxmeter.WithLedger(store))
	assert.Error(t, err)
}
