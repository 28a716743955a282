package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/voxmeter"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Verifier authenticates a raw webhook payload and decodes its envelope.
// It must return an error wrapping voxmeter.ErrInvalidSignature when the
// signature does not match.
type Verifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(payload []byte, signature string) (Event, error)

func (f VerifierFunc) Verify(payload []byte, signature string) (Event, error) {
	return f(payload, signature)
}

// EventHandler applies a verified event.
type EventHandler interface {
	Handle(ctx context.Context, ev Event) error
}

// WebhookObserver records webhook deliveries, e.g. as metrics.
type WebhookObserver interface {
	ObserveWebhook(eventType string, status int, d time.Duration)
}

// Handler is the billing webhook endpoint. It verifies the signature before
// anything else, skips events already processed and records an event as
// processed only after it was applied, so failed events are retried on
// redelivery.
type Handler struct {
	verifier Verifier
	events   voxmeter.EventLog
	sync     EventHandler
	observer WebhookObserver
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEventLog enables per-event-id deduplication.
func WithEventLog(l voxmeter.EventLog) HandlerOption {
	return func(h *Handler) { h.events = l }
}

// WithObserver sets the delivery observer.
func WithObserver(o WebhookObserver) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the webhook endpoint.
func NewHandler(verifier Verifier, sync EventHandler, opts ...HandlerOption) *Handler {
	h := &Handler{verifier: verifier, sync: sync}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		if h.observer != nil {
			h.observer.ObserveWebhook(eventType, status, time.Since(start))
		}
	}()

	fail := func(code int, msg string) {
		status = code
		writeJSON(w, code, webhookErrorResponse{Error: msg})
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		sig = r.Header.Get("Signature")
	}
	if strings.TrimSpace(sig) == "" {
		fail(http.StatusBadRequest, "missing signature")
		return
	}

	ev, err := h.verifier.Verify(payload, sig)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook_signature_rejected", "error", err)
		fail(http.StatusBadRequest, "invalid signature")
		return
	}
	if ev.Type != "" {
		eventType = ev.Type
	}

	ctx := r.Context()
	if h.events != nil && ev.ID != "" {
		done, err := h.events.Processed(ctx, ev.ID)
		if err != nil {
			h.logger.ErrorContext(ctx, "webhook_dedup_failed", "event_id", ev.ID, "error", err)
			fail(http.StatusInternalServerError, "processing failed")
			return
		}
		if done {
			h.logger.InfoContext(ctx, "webhook_duplicate", "event_id", ev.ID, "type", ev.Type)
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		}
	}

	if err := h.sync.Handle(ctx, ev); err != nil {
		h.logger.ErrorContext(ctx, "webhook_processing_failed",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
		if errors.Is(err, voxmeter.ErrMalformedEvent) {
			fail(http.StatusBadRequest, err.Error())
			return
		}
		fail(http.StatusInternalServerError, "processing failed")
		return
	}

	if h.events != nil && ev.ID != "" {
		if err := h.events.MarkProcessed(ctx, ev.ID, ev.Type); err != nil {
			// Handlers are idempotent; a redelivery just repeats the writes.
			h.logger.WarnContext(ctx, "webhook_mark_processed_failed", "event_id", ev.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("entitlement: encode webhook response", "status", status, "error", err)
	}
}
