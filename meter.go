package voxmeter

import "time"

// Meter observes metering events for monitoring/logging.
type Meter interface {
	// OnAdmission is called when an admission decision is made.
	OnAdmission(event AdmissionEvent)

	// OnResult is called when a request reaches a terminal state.
	OnResult(event ResultEvent)

	// OnRecordFailure is called when usage could not be recorded after a
	// successful provider call.
	OnRecordFailure(event RecordFailureEvent)
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	UserID    string
	Action    Action
	Plan      Plan
	Estimated int64
	Admitted  bool
	Reason    error
	Remaining int64
}

// ResultEvent describes the outcome of a request.
type ResultEvent struct {
	UserID     string
	Action     Action
	Provider   string
	State      RequestState
	Duration   time.Duration
	TokensUsed int64
	Attempts   int
	Error      error
}

// RecordFailureEvent describes a usage write that did not complete.
type RecordFailureEvent struct {
	UserID string
	Action Action
	Amount int64
	Error  error
}

type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent)         {}
func (noopMeter) OnResult(ResultEvent)               {}
func (noopMeter) OnRecordFailure(RecordFailureEvent) {}
