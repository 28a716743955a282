package voxmeter

import "context"

// Notifier publishes ledger changes so client-facing readers can refresh
// cached usage. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, Change) error { return nil }
