// Package entitlement keeps account plans and quotas in step with the payment
// processor. Events may arrive out of order, more than once, or after a
// partial failure; every write is an overwrite keyed by stable ids so that
// reprocessing converges on the same state.
package entitlement

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the processor-neutral event kind.
type Kind string

const (
	KindCheckoutCompleted    Kind = "checkout_completed"
	KindSubscriptionCreated  Kind = "subscription_created"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindSubscriptionDeleted  Kind = "subscription_deleted"
	KindInvoicePaid          Kind = "invoice_paid"
	KindInvoicePaymentFailed Kind = "invoice_payment_failed"
	KindUnknown              Kind = "unknown"
)

// Event is a verified processor notification.
type Event struct {
	ID      string
	Type    string // processor event type, e.g. "invoice.paid"
	Kind    Kind
	Created time.Time

	// Raw is the event's data object.
	Raw json.RawMessage
}

// Metadata keys carrying the account id, in lookup order.
var userIDKeys = []string{"user_id", "supabase_user_id"}

func userIDFrom(md map[string]string) string {
	for _, k := range userIDKeys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}

// CheckoutSession is a minimal representation of a checkout session object.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the account id carried by the session, if any.
func (s CheckoutSession) UserID() string {
	if id := userIDFrom(s.Metadata); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// Subscription is a minimal representation of a subscription object.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// UserID returns the account id from the subscription metadata, if any.
func (s Subscription) UserID() string {
	return userIDFrom(s.Metadata)
}

// Period returns the current billing period. Newer API versions carry it on
// the subscription items only.
func (s Subscription) Period() (start, end time.Time) {
	from, to := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if from == 0 && to == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd != 0 {
				from, to = item.CurrentPeriodStart, item.CurrentPeriodEnd
				break
			}
		}
	}
	return unixUTC(from), unixUTC(to)
}

// Invoice is a minimal representation of an invoice object.
type Invoice struct {
	ID                  string `json:"id"`
	Customer            string `json:"customer"`
	Subscription        string `json:"subscription"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription the invoice bills, if any.
func (i Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

// UserID returns the account id from the subscription metadata snapshot on
// the invoice, if any.
func (i Invoice) UserID() string {
	if id := userIDFrom(i.Parent.SubscriptionDetails.Metadata); id != "" {
		return id
	}
	return userIDFrom(i.SubscriptionDetails.Metadata)
}

func unixUTC(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
