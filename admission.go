package voxmeter

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted  bool
	Reason    error // nil when admitted
	Required  int64
	Remaining int64
}

// Err returns the rejection as an error, or nil if the request was admitted.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &RejectionError{Reason: d.Reason, Required: d.Required, Remaining: d.Remaining}
}

// Admit decides whether a request costing estimatedCost may run against the
// given ledger state.
//
// The check is not serialized with the later usage increment. Concurrent
// requests for the same account may both pass and overshoot the limit by at
// most the sum of their costs.
func Admit(q AccountQuota, estimatedCost int64) Decision {
	if q.Plan == PlanUnlimited {
		return Decision{Admitted: true, Required: estimatedCost}
	}

	if q.TokensUsed >= q.TokensLimit {
		return Decision{
			Reason:    ErrQuotaExhausted,
			Required:  estimatedCost,
			Remaining: 0,
		}
	}

	remaining := q.TokensLimit - q.TokensUsed
	if estimatedCost > remaining {
		return Decision{
			Reason:    ErrInsufficientRemaining,
			Required:  estimatedCost,
			Remaining: remaining,
		}
	}

	return Decision{Admitted: true, Required: estimatedCost, Remaining: remaining}
}
