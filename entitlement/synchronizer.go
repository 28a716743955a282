package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ineyio/voxmeter"
)

// SubscriptionFetcher loads the current state of a subscription from the
// processor.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
}

// Synchronizer applies processor events to the ledger and the subscription
// records. It never touches tokens_used except on upgrade and renewal.
type Synchronizer struct {
	cfg      voxmeter.Config
	ledger   voxmeter.Ledger
	subs     voxmeter.SubscriptionStore
	fetcher  SubscriptionFetcher
	notifier voxmeter.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithFetcher sets the subscription fetcher used to complete checkout events.
func WithFetcher(f SubscriptionFetcher) Option {
	return func(s *Synchronizer) { s.fetcher = f }
}

// WithNotifier sets the change notifier.
func WithNotifier(n voxmeter.Notifier) Option {
	return func(s *Synchronizer) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithClock overrides the time source used for change timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(cfg voxmeter.Config, ledger voxmeter.Ledger, subs voxmeter.SubscriptionStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:    cfg,
		ledger: ledger,
		subs:   subs,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handle applies one verified event. Unknown kinds are acknowledged without
// side effects. Events lacking required fields return an error wrapping
// voxmeter.ErrMalformedEvent.
func (s *Synchronizer) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindCheckoutCompleted:
		var session CheckoutSession
		if err := decode(ev, &session); err != nil {
			return err
		}
		return s.checkoutCompleted(ctx, session)

	case KindSubscriptionCreated, KindSubscriptionUpdated:
		var sub Subscription
		if err := decode(ev, &sub); err != nil {
			return err
		}
		return s.subscriptionChanged(ctx, sub)

	case KindSubscriptionDeleted:
		var sub Subscription
		if err := decode(ev, &sub); err != nil {
			return err
		}
		return s.subscriptionDeleted(ctx, sub)

	case KindInvoicePaid:
		var inv Invoice
		if err := decode(ev, &inv); err != nil {
			return err
		}
		return s.invoicePaid(ctx, inv)

	case KindInvoicePaymentFailed:
		var inv Invoice
		if err := decode(ev, &inv); err != nil {
			return err
		}
		return s.invoicePaymentFailed(ctx, inv)

	default:
		s.logger.InfoContext(ctx, "billing_event_ignored", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
}

func decode(ev Event, v any) error {
	if len(ev.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data object", voxmeter.ErrMalformedEvent, ev.Type)
	}
	if err := json.Unmarshal(ev.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", voxmeter.ErrMalformedEvent, ev.Type, err)
	}
	return nil
}

// checkoutCompleted upgrades the account to pro and resets its usage. A
// checkout for a subscription that is no longer active, or that another
// active subscription has replaced, does not upgrade.
func (s *Synchronizer) checkoutCompleted(ctx context.Context, session CheckoutSession) error {
	if session.Mode != "subscription" {
		s.logger.InfoContext(ctx, "checkout_ignored", "session", session.ID, "mode", session.Mode)
		return nil
	}
	if session.Subscription == "" {
		return fmt.Errorf("%w: checkout %s has no subscription", voxmeter.ErrMalformedEvent, session.ID)
	}

	sub := Subscription{ID: session.Subscription, Customer: session.Customer}
	if s.fetcher != nil {
		fetched, err := s.fetcher.FetchSubscription(ctx, session.Subscription)
		if err != nil {
			return fmt.Errorf("voxmeter/entitlement: fetch subscription %s: %w", session.Subscription, err)
		}
		sub = fetched
	}

	userID := session.UserID()
	if userID == "" {
		userID = sub.UserID()
	}
	if userID == "" {
		return fmt.Errorf("%w: checkout %s carries no account id", voxmeter.ErrMalformedEvent, session.ID)
	}

	// Without a fetched status the completed checkout is the only evidence.
	status := voxmeter.StatusActive
	if sub.Status != "" {
		status = voxmeter.MapProcessorStatus(sub.Status)
	}
	if status == voxmeter.StatusCanceled {
		s.logger.WarnContext(ctx, "stale_checkout_ignored", "user", userID, "subscription", sub.ID, "status", status)
		return nil
	}

	existing, err := s.subs.SubscriptionByUser(ctx, userID)
	switch {
	case err == nil:
		if existing.SubscriptionID == sub.ID && existing.Status == voxmeter.StatusCanceled {
			s.logger.WarnContext(ctx, "stale_checkout_ignored", "user", userID, "subscription", sub.ID, "status", existing.Status)
			return nil
		}
		if existing.SubscriptionID != "" && existing.SubscriptionID != sub.ID && existing.Status == voxmeter.StatusActive {
			s.logger.WarnContext(ctx, "superseded_checkout_ignored",
				"user", userID,
				"subscription", sub.ID,
				"active_subscription", existing.SubscriptionID,
			)
			return nil
		}
	case !errors.Is(err, voxmeter.ErrSubscriptionNotFound):
		return fmt.Errorf("voxmeter/entitlement: load subscription: %w", err)
	}

	customerID := session.Customer
	if customerID == "" {
		customerID = sub.Customer
	}
	start, end := sub.Period()

	plan := voxmeter.PlanPro
	if status != voxmeter.StatusActive {
		plan = voxmeter.PlanTrial
	}
	if err := s.subs.UpsertSubscription(ctx, voxmeter.SubscriptionRecord{
		UserID:             userID,
		CustomerID:         customerID,
		SubscriptionID:     sub.ID,
		Plan:               plan,
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}); err != nil {
		return fmt.Errorf("voxmeter/entitlement: upsert subscription: %w", err)
	}

	if status != voxmeter.StatusActive {
		s.logger.InfoContext(ctx, "checkout_not_active", "user", userID, "subscription", sub.ID, "status", status)
		return nil
	}

	q, err := s.ledger.ApplyUpgrade(ctx, userID, voxmeter.PlanPro, s.cfg.Plans.Limit(voxmeter.PlanPro))
	if err != nil {
		return fmt.Errorf("voxmeter/entitlement: apply upgrade: %w", err)
	}

	s.logger.InfoContext(ctx, "account_upgraded", "user", userID, "plan", q.Plan, "subscription", sub.ID)
	s.publish(ctx, q)
	return nil
}

// subscriptionChanged mirrors status and period onto the stored record and
// downgrades the account when the subscription stops being active.
func (s *Synchronizer) subscriptionChanged(ctx context.Context, sub Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", voxmeter.ErrMalformedEvent)
	}
	status := voxmeter.MapProcessorStatus(sub.Status)

	rec, found, err := s.lookup(ctx, sub.ID)
	if err != nil {
		return err
	}

	userID := sub.UserID()
	if userID == "" && found {
		userID = rec.UserID
	}
	if userID == "" {
		s.logger.WarnContext(ctx, "subscription_without_account", "subscription", sub.ID, "status", status)
		return nil
	}

	current, err := s.isCurrent(ctx, userID, sub.ID)
	if err != nil {
		return err
	}
	if !current {
		s.logger.InfoContext(ctx, "superseded_subscription_ignored", "user", userID, "subscription", sub.ID)
		return nil
	}

	if found {
		if rec.Status == voxmeter.StatusCanceled && status != voxmeter.StatusCanceled {
			s.logger.WarnContext(ctx, "canceled_subscription_not_reactivated",
				"user", userID,
				"subscription", sub.ID,
				"status", status,
			)
			return nil
		}
		// A subscription never returns to incomplete once active; this is a
		// late creation event.
		if rec.Status == voxmeter.StatusActive && sub.Status == "incomplete" {
			s.logger.InfoContext(ctx, "late_incomplete_ignored", "user", userID, "subscription", sub.ID)
			return nil
		}

		// Checkout completed while payment was still pending.
		activated := rec.Status == voxmeter.StatusIncomplete && status == voxmeter.StatusActive

		start, end := sub.Period()
		rec.Status = status
		rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		if !start.IsZero() {
			rec.CurrentPeriodStart = start
		}
		if !end.IsZero() {
			rec.CurrentPeriodEnd = end
		}
		if activated {
			rec.Plan = voxmeter.PlanPro
		}
		if err := s.subs.UpsertSubscription(ctx, rec); err != nil {
			return fmt.Errorf("voxmeter/entitlement: update subscription: %w", err)
		}

		if activated {
			q, err := s.ledger.ApplyUpgrade(ctx, userID, voxmeter.PlanPro, s.cfg.Plans.Limit(voxmeter.PlanPro))
			if err != nil {
				return fmt.Errorf("voxmeter/entitlement: apply upgrade: %w", err)
			}
			s.logger.InfoContext(ctx, "account_upgraded", "user", userID, "plan", q.Plan, "subscription", sub.ID)
			s.publish(ctx, q)
			return nil
		}
	}

	if status == voxmeter.StatusActive {
		return nil
	}

	q, err := s.ledger.SetEntitlement(ctx, userID, voxmeter.PlanTrial, s.cfg.Plans.Limit(voxmeter.PlanTrial))
	if err != nil {
		return fmt.Errorf("voxmeter/entitlement: downgrade: %w", err)
	}
	s.logger.InfoContext(ctx, "account_downgraded", "user", userID, "subscription", sub.ID, "status", status)
	s.publish(ctx, q)
	return nil
}

// subscriptionDeleted cancels the record and returns the account to trial.
func (s *Synchronizer) subscriptionDeleted(ctx context.Context, sub Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription without id", voxmeter.ErrMalformedEvent)
	}

	rec, found, err := s.lookup(ctx, sub.ID)
	if err != nil {
		return err
	}

	userID := sub.UserID()
	if userID == "" && found {
		userID = rec.UserID
	}
	if userID == "" {
		s.logger.WarnContext(ctx, "deleted_subscription_without_account", "subscription", sub.ID)
		return nil
	}

	current, err := s.isCurrent(ctx, userID, sub.ID)
	if err != nil {
		return err
	}
	if !current {
		s.logger.InfoContext(ctx, "superseded_subscription_ignored", "user", userID, "subscription", sub.ID)
		return nil
	}

	if !found {
		// Deleted before its checkout arrived. Keep a canceled record so the
		// late checkout cannot grant access.
		rec = voxmeter.SubscriptionRecord{UserID: userID, CustomerID: sub.Customer, SubscriptionID: sub.ID}
		prev, err := s.subs.SubscriptionByUser(ctx, userID)
		switch {
		case err == nil:
			if rec.CustomerID == "" {
				rec.CustomerID = prev.CustomerID
			}
		case !errors.Is(err, voxmeter.ErrSubscriptionNotFound):
			return fmt.Errorf("voxmeter/entitlement: load subscription: %w", err)
		}
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd = sub.Period()
	}
	rec.Status = voxmeter.StatusCanceled
	rec.Plan = voxmeter.PlanTrial
	rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if err := s.subs.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("voxmeter/entitlement: cancel subscription: %w", err)
	}

	q, err := s.ledger.SetEntitlement(ctx, userID, voxmeter.PlanTrial, s.cfg.Plans.Limit(voxmeter.PlanTrial))
	if err != nil {
		return fmt.Errorf("voxmeter/entitlement: downgrade: %w", err)
	}
	s.logger.InfoContext(ctx, "account_downgraded", "user", userID, "subscription", sub.ID, "status", voxmeter.StatusCanceled)
	s.publish(ctx, q)
	return nil
}

// invoicePaid starts a new billing period by zeroing usage. Plan and limit
// are left alone.
func (s *Synchronizer) invoicePaid(ctx context.Context, inv Invoice) error {
	subID := inv.SubscriptionID()
	if subID == "" {
		s.logger.InfoContext(ctx, "invoice_without_subscription", "invoice", inv.ID)
		return nil
	}

	userID, err := s.invoiceUser(ctx, inv, subID)
	if err != nil {
		return err
	}
	if userID == "" {
		s.logger.WarnContext(ctx, "invoice_for_unknown_subscription", "invoice", inv.ID, "subscription", subID)
		return nil
	}

	q, err := s.ledger.ResetUsage(ctx, userID)
	if errors.Is(err, voxmeter.ErrAccountNotFound) {
		s.logger.WarnContext(ctx, "invoice_for_unknown_account", "invoice", inv.ID, "user", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("voxmeter/entitlement: reset usage: %w", err)
	}

	s.logger.InfoContext(ctx, "usage_renewed", "user", userID, "subscription", subID)
	s.publish(ctx, q)
	return nil
}

// invoicePaymentFailed marks the subscription past due. The ledger is left
// untouched so the account keeps its plan during the grace period.
func (s *Synchronizer) invoicePaymentFailed(ctx context.Context, inv Invoice) error {
	subID := inv.SubscriptionID()
	if subID == "" {
		return nil
	}

	rec, found, err := s.lookup(ctx, subID)
	if err != nil {
		return err
	}
	if !found {
		s.logger.WarnContext(ctx, "payment_failed_for_unknown_subscription", "invoice", inv.ID, "subscription", subID)
		return nil
	}
	if rec.Status == voxmeter.StatusCanceled {
		return nil
	}

	rec.Status = voxmeter.StatusPastDue
	if err := s.subs.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("voxmeter/entitlement: mark past due: %w", err)
	}
	s.logger.WarnContext(ctx, "payment_failed", "user", rec.UserID, "subscription", subID)
	return nil
}

func (s *Synchronizer) invoiceUser(ctx context.Context, inv Invoice, subID string) (string, error) {
	rec, found, err := s.lookup(ctx, subID)
	if err != nil {
		return "", err
	}
	if found {
		return rec.UserID, nil
	}
	return inv.UserID(), nil
}

func (s *Synchronizer) lookup(ctx context.Context, subID string) (voxmeter.SubscriptionRecord, bool, error) {
	rec, err := s.subs.SubscriptionByID(ctx, subID)
	if errors.Is(err, voxmeter.ErrSubscriptionNotFound) {
		return voxmeter.SubscriptionRecord{}, false, nil
	}
	if err != nil {
		return voxmeter.SubscriptionRecord{}, false, fmt.Errorf("voxmeter/entitlement: lookup subscription: %w", err)
	}
	return rec, true, nil
}

// isCurrent reports whether subID is the account's subscription of record.
// Events about a subscription the account has since replaced must not
// change the account's entitlement.
func (s *Synchronizer) isCurrent(ctx context.Context, userID, subID string) (bool, error) {
	rec, err := s.subs.SubscriptionByUser(ctx, userID)
	if errors.Is(err, voxmeter.ErrSubscriptionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("voxmeter/entitlement: load subscription: %w", err)
	}
	return rec.SubscriptionID == "" || rec.SubscriptionID == subID, nil
}

func (s *Synchronizer) publish(ctx context.Context, q voxmeter.AccountQuota) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Publish(ctx, voxmeter.Change{
		UserID: q.UserID,
		Kind:   voxmeter.ChangeEntitlementChanged,
		Quota:  q,
		At:     s.now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "entitlement_notify_failed", "user", q.UserID, "error", err)
	}
}
