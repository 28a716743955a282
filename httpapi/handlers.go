package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/auth"
	"github.com/ineyio/voxmeter/billing/stripe"
)

const (
	// Whisper accepts up to 25 MB of audio; base64 inflates by a third.
	transcribeBodyLimit = 36 << 20
	enrichBodyLimit     = 1 << 20
)

type transcribeRequest struct {
	Audio       string `json:"audio"`
	Language    string `json:"language"`
	Mode        string `json:"mode"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

type transcribeResponse struct {
	Result          string `json:"result"`
	Transcription   string `json:"transcription"`
	EnrichedContent string `json:"enrichedContent"`
	TokensUsed      int64  `json:"tokensUsed"`
}

func (s *server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}

	var req transcribeRequest
	if err := decodeBody(w, r, transcribeBodyLimit, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Audio == "" {
		s.writeError(w, r, fmt.Errorf("%w: audio is required", voxmeter.ErrInvalidInput))
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: audio is not valid base64", voxmeter.ErrInvalidInput))
		return
	}

	res, err := s.opts.Service.Transcribe(r.Context(), token, voxmeter.TranscribeRequest{
		Audio:       audio,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Language:    req.Language,
		Mode:        voxmeter.EnrichmentMode(req.Mode),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transcribeResponse{
		Result:          res.Text,
		Transcription:   res.Transcription,
		EnrichedContent: res.Enriched,
		TokensUsed:      res.TokensUsed,
	})
}

type enrichRequest struct {
	Transcript string `json:"transcript"`
	Mode       string `json:"mode"`
	Language   string `json:"language"`
}

type enrichResponse struct {
	Result          string `json:"result"`
	EnrichedContent string `json:"enrichedContent"`
	TokensUsed      int64  `json:"tokensUsed"`
}

func (s *server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}

	var req enrichRequest
	if err := decodeBody(w, r, enrichBodyLimit, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		s.writeError(w, r, fmt.Errorf("%w: transcript is required", voxmeter.ErrInvalidInput))
		return
	}

	res, err := s.opts.Service.Enrich(r.Context(), token, voxmeter.EnrichRequest{
		Text:     req.Transcript,
		Mode:     voxmeter.EnrichmentMode(req.Mode),
		Language: req.Language,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, enrichResponse{
		Result:          res.Text,
		EnrichedContent: res.Enriched,
		TokensUsed:      res.TokensUsed,
	})
}

type usageResponse struct {
	TokensUsed  int64         `json:"tokens_used"`
	TokensLimit int64         `json:"tokens_limit"`
	Plan        voxmeter.Plan `json:"plan"`
}

func usageFrom(q voxmeter.AccountQuota) usageResponse {
	return usageResponse{TokensUsed: q.TokensUsed, TokensLimit: q.TokensLimit, Plan: q.Plan}
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}

	q, err := s.opts.Service.Usage(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageFrom(q))
}

type historyEntry struct {
	ID         string          `json:"id"`
	TokensUsed int64           `json:"tokens_used"`
	Action     voxmeter.Action `json:"action"`
	Timestamp  time.Time       `json:"timestamp"`
}

type historyResponse struct {
	Entries []historyEntry `json:"entries"`
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r)
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", voxmeter.ErrInvalidInput))
			return
		}
		limit = n
	}

	entries, err := s.opts.Service.History(r.Context(), token, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := historyResponse{Entries: make([]historyEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, historyEntry{
			ID:         e.ID,
			TokensUsed: e.TokensUsed,
			Action:     e.Action,
			Timestamp:  e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}

	session, err := s.opts.Checkout.Create(r.Context(), stripe.CheckoutRequest{
		UserID: claims.Subject,
		Email:  claims.Email,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleEvents streams the caller's ledger changes as server-sent events,
// starting with the current usage.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		s.writeError(w, r, voxmeter.ErrUnauthenticated)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming unsupported"))
		return
	}

	token, _ := auth.BearerToken(r)
	q, err := s.opts.Service.Usage(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	changes := s.opts.Hub.Subscribe(ctx, claims.Subject)

	// The server's read and write timeouts would otherwise end every stream.
	rc := http.NewResponseController(w)
	if err := errors.Join(rc.SetReadDeadline(time.Time{}), rc.SetWriteDeadline(time.Time{})); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.WarnContext(ctx, "event_stream_deadline_not_cleared", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "usage", usageFrom(q)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := writeEvent(w, string(change.Kind), usageFrom(change.Quota)); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", voxmeter.ErrInvalidInput, tooLarge.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body", voxmeter.ErrInvalidInput)
	}
	return nil
}
