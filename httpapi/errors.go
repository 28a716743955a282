package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ineyio/voxmeter"
)

type errorResponse struct {
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	Required  *int64 `json:"required,omitempty"`
}

// statusFor maps a pipeline error to its HTTP status and public reason.
func statusFor(err error) (int, string) {
	var rej *voxmeter.RejectionError
	switch {
	case errors.As(err, &rej):
		if errors.Is(rej.Reason, voxmeter.ErrQuotaExhausted) {
			return http.StatusPaymentRequired, "quota_exhausted"
		}
		return http.StatusPaymentRequired, "insufficient_tokens"
	case errors.Is(err, voxmeter.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, voxmeter.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, voxmeter.ErrSubscriptionActive):
		return http.StatusConflict, "subscription_active"
	case errors.Is(err, voxmeter.ErrProviderFailed):
		return http.StatusBadGateway, "provider_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := statusFor(err)

	resp := errorResponse{Message: err.Error(), Reason: reason}
	var rej *voxmeter.RejectionError
	if errors.As(err, &rej) {
		resp.Remaining = &rej.Remaining
		resp.Required = &rej.Required
		resp.Message = "not enough tokens remaining"
	}

	switch {
	case status >= http.StatusInternalServerError:
		s.logger.ErrorContext(r.Context(), "request_failed", "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
		} else {
			resp.Message = "inference provider failed"
		}
	case status == http.StatusUnauthorized:
		resp.Message = "unauthenticated"
	}

	writeJSON(w, status, resp)
}

func (s *server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, err)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response", "status", status, "error", err)
	}
}
