package voxmeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RequestState is the lifecycle position of a metered request.
type RequestState string

const (
	StateReceived          RequestState = "received"
	StateAuthenticated     RequestState = "authenticated"
	StateAdmitted          RequestState = "admitted"
	StateInferenceInFlight RequestState = "inference_in_flight"
	StateRecorded          RequestState = "recorded"
	StateCompleted         RequestState = "completed"
	StateRejected          RequestState = "rejected"
	StateFailed            RequestState = "failed"
)

// Authenticator resolves a bearer token to an account id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// TranscribeRequest asks for an audio note to be transcribed and enriched.
type TranscribeRequest struct {
	Audio       []byte
	Filename    string
	ContentType string
	Language    string
	Mode        EnrichmentMode
}

// EnrichRequest asks for an existing transcript to be enriched.
type EnrichRequest struct {
	Text     string
	Mode     EnrichmentMode
	Language string
}

// Result is the outcome of a completed request.
type Result struct {
	// Text is the enriched content if any, otherwise the transcription.
	Text          string
	Transcription string
	Enriched      string
	TokensUsed    int64
	Provider      string
	State         RequestState
}

// Orchestrator sequences authenticate, estimate, admit, infer and record for
// every metered request. Usage is recorded only after a provider delivered a
// result.
type Orchestrator struct {
	cfg       Config
	estimator Estimator
	providers []Provider
	auth      Authenticator
	ledger    Ledger
	history   HistoryStore
	recorder  UsageRecorder
	meter     Meter
	health    *HealthTracker
	logger    *slog.Logger
	timeout   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuthenticator sets the token authenticator. Required.
func WithAuthenticator(a Authenticator) Option {
	return func(o *Orchestrator) { o.auth = a }
}

// WithLedger sets the quota ledger. Required.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithHistory sets the usage history store.
func WithHistory(h HistoryStore) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithRecorder sets the usage recorder. Defaults to a Recorder over the
// configured ledger and history.
func WithRecorder(r UsageRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *Orchestrator) { o.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTimeout overrides Config.ProviderTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// NewOrchestrator creates an Orchestrator trying providers in the given order.
func NewOrchestrator(cfg Config, providers []Provider, opts ...Option) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("voxmeter: at least one provider is required")
	}

	o := &Orchestrator{
		cfg:       cfg,
		estimator: NewEstimator(cfg.Pricing),
		providers: providers,
		timeout:   cfg.ProviderTimeout,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.auth == nil {
		return nil, fmt.Errorf("voxmeter: an authenticator is required")
	}
	if o.ledger == nil {
		return nil, fmt.Errorf("voxmeter: a ledger is required")
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.health == nil {
		o.health = NewHealthTracker()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultProviderTimeout
	}
	if o.recorder == nil {
		if o.history == nil {
			return nil, fmt.Errorf("voxmeter: a recorder or a history store is required")
		}
		o.recorder = NewRecorder(cfg, o.ledger, o.history,
			WithRecorderMeter(o.meter),
			WithRecorderLogger(o.logger),
		)
	}

	return o, nil
}

// Transcribe transcribes an audio note and enriches the transcript. An
// enrichment failure after a successful transcription is not fatal: the
// transcription is returned with empty enriched content and the full
// estimate is charged.
func (o *Orchestrator) Transcribe(ctx context.Context, token string, req TranscribeRequest) (Result, error) {
	filename := req.Filename
	if filename == "" {
		filename = "audio.webm"
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}

	return o.run(ctx, token, job{
		action: ActionTranscription,
		kind:   WorkTranscription,
		size:   int64(len(req.Audio)),
		call: func(ctx context.Context, p Provider) (Result, int64, error) {
			tr, err := p.Transcribe(ctx, ProviderTranscribeRequest{
				Audio:       req.Audio,
				Filename:    filename,
				ContentType: contentType,
				Language:    req.Language,
			})
			if err != nil {
				return Result{}, 0, err
			}

			res := Result{Text: tr.Text, Transcription: tr.Text}

			en, err := p.Enrich(ctx, ProviderEnrichRequest{
				Text:         tr.Text,
				SystemPrompt: SystemPrompt(req.Mode, req.Language),
				Language:     req.Language,
			})
			if err != nil {
				o.logger.WarnContext(ctx, "enrichment_failed",
					"provider", p.Name(),
					"error", err,
				)
				return res, 0, nil
			}

			res.Enriched = en.Text
			if en.Text != "" {
				res.Text = en.Text
			}

			var reported int64
			if tr.ReportedTokens > 0 && en.ReportedTokens > 0 {
				reported = tr.ReportedTokens + en.ReportedTokens
			}
			return res, reported, nil
		},
	})
}

// Enrich rewrites an existing transcript in the requested mode.
func (o *Orchestrator) Enrich(ctx context.Context, token string, req EnrichRequest) (Result, error) {
	return o.run(ctx, token, job{
		action: ActionEnrichment,
		kind:   WorkEnrichment,
		text:   req.Text,
		call: func(ctx context.Context, p Provider) (Result, int64, error) {
			en, err := p.Enrich(ctx, ProviderEnrichRequest{
				Text:         req.Text,
				SystemPrompt: SystemPrompt(req.Mode, req.Language),
				Language:     req.Language,
			})
			if err != nil {
				return Result{}, 0, err
			}
			return Result{Text: en.Text, Enriched: en.Text}, en.ReportedTokens, nil
		},
	})
}

// Usage returns the caller's ledger row, creating it with trial defaults on
// first read.
func (o *Orchestrator) Usage(ctx context.Context, token string) (AccountQuota, error) {
	userID, err := o.authenticate(ctx, token)
	if err != nil {
		return AccountQuota{}, err
	}

	q, err := o.ledger.Ensure(ctx, o.cfg.TrialDefaults(userID))
	if err != nil {
		return AccountQuota{}, fmt.Errorf("voxmeter: ensure account: %w", err)
	}
	return q, nil
}

// History returns the caller's newest usage entries. A non-positive limit
// selects the default; limits are capped.
func (o *Orchestrator) History(ctx context.Context, token string, limit int) ([]UsageEntry, error) {
	userID, err := o.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.history == nil {
		return nil, fmt.Errorf("voxmeter: no history store configured")
	}

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	entries, err := o.history.List(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("voxmeter: list history: %w", err)
	}
	return entries, nil
}

// Health returns the circuit state of every provider that has been called.
func (o *Orchestrator) Health() map[string]string {
	return o.health.Snapshot()
}

type job struct {
	action Action
	kind   WorkKind
	size   int64
	text   string

	// call runs the provider work and returns the result plus the
	// provider-reported cost (0 if unknown).
	call func(ctx context.Context, p Provider) (Result, int64, error)
}

func (o *Orchestrator) run(ctx context.Context, token string, j job) (Result, error) {
	start := time.Now()

	// Received -> Authenticated
	userID, err := o.authenticate(ctx, token)
	if err != nil {
		return o.fail(j, "", StateRejected, start, 0, err)
	}

	if j.kind == WorkEnrichment && j.text == "" {
		return o.fail(j, userID, StateRejected, start, 0, fmt.Errorf("%w: empty transcript", ErrInvalidInput))
	}

	estimate, err := o.estimator.Estimate(j.kind, j.size)
	if err != nil {
		return o.fail(j, userID, StateRejected, start, 0, err)
	}

	quota, err := o.ledger.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		quota = o.cfg.TrialDefaults(userID)
	} else if err != nil {
		return o.fail(j, userID, StateFailed, start, 0, fmt.Errorf("voxmeter: load quota: %w", err))
	}

	// Authenticated -> Admitted | Rejected
	decision := Admit(quota, estimate)
	o.meter.OnAdmission(AdmissionEvent{
		UserID:    userID,
		Action:    j.action,
		Plan:      quota.Plan,
		Estimated: estimate,
		Admitted:  decision.Admitted,
		Reason:    decision.Reason,
		Remaining: decision.Remaining,
	})
	if !decision.Admitted {
		return o.fail(j, userID, StateRejected, start, 0, decision.Err())
	}

	// Admitted -> InferenceInFlight -> Failed | Recorded
	res, reported, provider, attempts, err := o.infer(ctx, userID, j)
	if err != nil {
		rerr := &RequestError{
			Err:      fmt.Errorf("%w: %w", ErrProviderFailed, err),
			State:    StateFailed,
			UserID:   userID,
			Provider: provider,
			Attempts: attempts,
		}
		o.meter.OnResult(ResultEvent{
			UserID:   userID,
			Action:   j.action,
			Provider: provider,
			State:    StateFailed,
			Duration: time.Since(start),
			Attempts: attempts,
			Error:    rerr.Err,
		})
		return Result{State: StateFailed}, rerr
	}

	cost := estimate
	if o.cfg.Pricing.UseReportedCost && reported > 0 {
		cost = reported
	}

	// The provider has delivered; a cancelled caller must not skip the charge.
	// The recorder reports its own failures.
	_ = o.recorder.Record(context.WithoutCancel(ctx), userID, cost, j.action)

	// Recorded -> Completed
	res.TokensUsed = cost
	res.Provider = provider
	res.State = StateCompleted

	o.meter.OnResult(ResultEvent{
		UserID:     userID,
		Action:     j.action,
		Provider:   provider,
		State:      StateCompleted,
		Duration:   time.Since(start),
		TokensUsed: cost,
		Attempts:   attempts,
	})

	return res, nil
}

// infer tries providers in order under a single deadline. Unhealthy
// providers are skipped; fatal errors and deadline expiry stop the walk.
func (o *Orchestrator) infer(ctx context.Context, userID string, j job) (Result, int64, string, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var (
		lastErr      error
		lastProvider string
		attempts     int
	)
	for _, p := range o.providers {
		name := p.Name()
		if o.health.GetHealth(name) == HealthUnhealthy {
			continue
		}

		attempts++
		res, reported, err := j.call(callCtx, p)
		if err == nil {
			o.health.RecordSuccess(name)
			return res, reported, name, attempts, nil
		}

		// A caller that went away says nothing about the provider.
		if ctx.Err() == nil {
			o.health.RecordFailure(name)
		}
		o.logger.WarnContext(ctx, "provider_call_failed",
			"user", userID,
			"provider", name,
			"attempt", attempts,
			"error", err,
		)

		lastErr = err
		lastProvider = name
		if IsFatal(err) || callCtx.Err() != nil {
			break
		}
	}

	if attempts == 0 {
		return Result{}, 0, "", 0, ErrNoProviders
	}
	if ctxErr := callCtx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	return Result{}, 0, lastProvider, attempts, lastErr
}

func (o *Orchestrator) authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	userID, err := o.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

func (o *Orchestrator) fail(j job, userID string, state RequestState, start time.Time, attempts int, err error) (Result, error) {
	o.meter.OnResult(ResultEvent{
		UserID:   userID,
		Action:   j.action,
		State:    state,
		Duration: time.Since(start),
		Attempts: attempts,
		Error:    err,
	})
	return Result{State: state}, &RequestError{
		Err:      err,
		State:    state,
		UserID:   userID,
		Attempts: attempts,
	}
}
