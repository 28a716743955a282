package voxmeter

import "fmt"

// WorkKind identifies the unit of work being estimated.
type WorkKind string

const (
	// WorkTranscription is an audio upload, sized in bytes. The estimate
	// includes one enrichment pass.
	WorkTranscription WorkKind = "transcription"
	// WorkEnrichment is a text-only enrichment call with a flat cost.
	WorkEnrichment WorkKind = "enrichment"
)

// Estimator maps a unit of work to a conservative token-cost pre-estimate.
// It never calls a provider.
type Estimator struct {
	pricing Pricing
}

// NewEstimator creates an Estimator from pricing constants.
func NewEstimator(p Pricing) Estimator {
	return Estimator{pricing: p}
}

// Estimate returns the token cost of a unit of work. For WorkTranscription
// sizeHint is the audio payload size in bytes; it is ignored for WorkEnrichment.
func (e Estimator) Estimate(kind WorkKind, sizeHint int64) (int64, error) {
	switch kind {
	case WorkTranscription:
		if sizeHint <= 0 {
			return 0, fmt.Errorf("%w: audio size must be positive, got %d", ErrInvalidInput, sizeHint)
		}
		return e.AudioMinutes(sizeHint)*e.pricing.TokensPerMinute + e.pricing.TokensPerEnrichment, nil
	case WorkEnrichment:
		return e.pricing.TokensPerEnrichment, nil
	default:
		return 0, fmt.Errorf("%w: unknown work kind %q", ErrInvalidInput, kind)
	}
}

// AudioMinutes approximates audio duration from payload size, rounding up
// with a floor of one minute.
func (e Estimator) AudioMinutes(size int64) int64 {
	bpm := e.pricing.BytesPerMinute
	if bpm <= 0 {
		bpm = DefaultBytesPerMinute
	}
	minutes := (size + bpm - 1) / bpm
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
