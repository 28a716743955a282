package meter

import (
	"log/slog"

	"github.com/ineyio/voxmeter"
)

// LogMeter logs metering events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ voxmeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e voxmeter.AdmissionEvent) {
	if e.Admitted {
		m.Logger.Info("admitted",
			"user", e.UserID,
			"action", e.Action,
			"plan", e.Plan,
			"estimated_tokens", e.Estimated,
			"remaining", e.Remaining,
		)
		return
	}
	m.Logger.Info("rejected",
		"user", e.UserID,
		"action", e.Action,
		"plan", e.Plan,
		"estimated_tokens", e.Estimated,
		"remaining", e.Remaining,
		"reason", e.Reason,
	)
}

func (m *LogMeter) OnResult(e voxmeter.ResultEvent) {
	if e.State == voxmeter.StateCompleted {
		m.Logger.Info("result",
			"user", e.UserID,
			"action", e.Action,
			"provider", e.Provider,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"tokens_used", e.TokensUsed,
		)
	} else {
		m.Logger.Warn("result_error",
			"user", e.UserID,
			"action", e.Action,
			"provider", e.Provider,
			"state", e.State,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnRecordFailure(e voxmeter.RecordFailureEvent) {
	m.Logger.Error("record_failure",
		"user", e.UserID,
		"action", e.Action,
		"amount", e.Amount,
		"error", e.Error,
	)
}
