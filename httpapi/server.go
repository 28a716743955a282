// Package httpapi exposes the metering pipeline over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/auth"
	"github.com/ineyio/voxmeter/billing/stripe"
	"github.com/ineyio/voxmeter/notify"
)

// Service is the metered request surface, implemented by
// *voxmeter.Orchestrator.
type Service interface {
	Transcribe(ctx context.Context, token string, req voxmeter.TranscribeRequest) (voxmeter.Result, error)
	Enrich(ctx context.Context, token string, req voxmeter.EnrichRequest) (voxmeter.Result, error)
	Usage(ctx context.Context, token string) (voxmeter.AccountQuota, error)
	History(ctx context.Context, token string, limit int) ([]voxmeter.UsageEntry, error)
	Health() map[string]string
}

// CheckoutCreator starts hosted checkout sessions.
type CheckoutCreator interface {
	Create(ctx context.Context, req stripe.CheckoutRequest) (stripe.CheckoutSession, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Options wires the router's collaborators. Service is required; every other
// field enables its routes when set.
type Options struct {
	Service  Service
	Verifier *auth.Verifier
	Checkout CheckoutCreator
	Webhook  http.Handler
	Hub      *notify.Hub
	Metrics  http.Handler
	Ready    map[string]ReadyCheck
	Logger   *slog.Logger

	// Heartbeat is the keep-alive interval of usage event streams.
	Heartbeat time.Duration
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	s := &server{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/billing", opts.Webhook)
	}

	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/enrich", s.handleEnrich)
	r.Route("/usage", func(u chi.Router) {
		u.Get("/", s.handleUsage)
		u.Get("/history", s.handleHistory)
		if opts.Hub != nil && opts.Verifier != nil {
			u.With(auth.Middleware(opts.Verifier, s.logger, s.unauthorized)).Get("/events", s.handleEvents)
		}
	})

	if opts.Checkout != nil && opts.Verifier != nil {
		r.With(auth.Middleware(opts.Verifier, s.logger, s.unauthorized)).Post("/checkout", s.handleCheckout)
	}

	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Providers: s.opts.Service.Health()}
	status := http.StatusOK

	if len(s.opts.Ready) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.opts.Ready))
		for name, check := range s.opts.Ready {
			if err := check(ctx); err != nil {
				s.logger.WarnContext(ctx, "readiness_check_failed", "check", name, "error", err)
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}
