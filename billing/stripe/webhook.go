// Package stripe adapts the Stripe API to the entitlement package: webhook
// verification, subscription lookup and checkout session creation.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/entitlement"
)

// kinds maps Stripe event types to entitlement kinds. invoice.payment_succeeded
// is the legacy name of invoice.paid; accounts may have either enabled.
var kinds = map[stripelib.EventType]entitlement.Kind{
	"checkout.session.completed":    entitlement.KindCheckoutCompleted,
	"customer.subscription.created": entitlement.KindSubscriptionCreated,
	"customer.subscription.updated": entitlement.KindSubscriptionUpdated,
	"customer.subscription.deleted": entitlement.KindSubscriptionDeleted,
	"invoice.paid":                  entitlement.KindInvoicePaid,
	"invoice.payment_succeeded":     entitlement.KindInvoicePaid,
	"invoice.payment_failed":        entitlement.KindInvoicePaymentFailed,
}

// KindOf returns the entitlement kind for a Stripe event type.
func KindOf(eventType string) entitlement.Kind {
	if k, ok := kinds[stripelib.EventType(eventType)]; ok {
		return k
	}
	return entitlement.KindUnknown
}

// Verifier checks Stripe-Signature headers against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

var _ entitlement.Verifier = (*Verifier)(nil)

// NewVerifier creates a Verifier for the given webhook signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify authenticates payload and decodes its envelope.
func (v *Verifier) Verify(payload []byte, signature string) (entitlement.Event, error) {
	if strings.TrimSpace(v.secret) == "" {
		return entitlement.Event{}, fmt.Errorf("%w: webhook secret not configured", voxmeter.ErrInvalidSignature)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return entitlement.Event{}, fmt.Errorf("%w: %v", voxmeter.ErrInvalidSignature, err)
	}
	if ev.Data == nil {
		return entitlement.Event{}, fmt.Errorf("%w: event %s has no data", voxmeter.ErrMalformedEvent, ev.ID)
	}

	return entitlement.Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    KindOf(string(ev.Type)),
		Created: time.Unix(ev.Created, 0).UTC(),
		Raw:     ev.Data.Raw,
	}, nil
}

// Fetcher loads subscriptions from the Stripe API.
type Fetcher struct {
	get func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

var _ entitlement.SubscriptionFetcher = (*Fetcher)(nil)

// NewFetcher creates a Fetcher using sc.
func NewFetcher(sc *client.API) *Fetcher {
	return &Fetcher{get: sc.Subscriptions.Get}
}

// FetchSubscription returns the current state of subscriptionID.
func (f *Fetcher) FetchSubscription(ctx context.Context, subscriptionID string) (entitlement.Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := f.get(subscriptionID, params)
	if err != nil {
		return entitlement.Subscription{}, fmt.Errorf("voxmeter/stripe: get subscription %s: %w", subscriptionID, err)
	}
	if sub == nil {
		return entitlement.Subscription{}, errors.New("voxmeter/stripe: empty subscription response")
	}
	return subscriptionFrom(sub), nil
}

func subscriptionFrom(s *stripelib.Subscription) entitlement.Subscription {
	out := entitlement.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.CurrentPeriodEnd == 0 {
				continue
			}
			out.CurrentPeriodStart = item.CurrentPeriodStart
			out.CurrentPeriodEnd = item.CurrentPeriodEnd
			break
		}
	}
	return out
}
