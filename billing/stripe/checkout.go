package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ineyio/voxmeter"
)

// userIDMetadataKey tags Stripe objects with the owning account.
const userIDMetadataKey = "user_id"

// CheckoutConfig holds the settings for hosted checkout sessions.
type CheckoutConfig struct {
	PriceID    string `env:"STRIPE_PRICE_ID"`
	SuccessURL string `env:"STRIPE_SUCCESS_URL"`
	CancelURL  string `env:"STRIPE_CANCEL_URL"`
}

// CheckoutRequest identifies the account starting a checkout.
type CheckoutRequest struct {
	UserID string
	Email  string
}

// CheckoutSession is returned to the client to redirect into checkout.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Checkout creates subscription checkout sessions for accounts.
type Checkout struct {
	cfg    CheckoutConfig
	subs   voxmeter.SubscriptionStore
	logger *slog.Logger

	newCustomer func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	newSession  func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewCheckout creates a Checkout using sc.
func NewCheckout(cfg CheckoutConfig, sc *client.API, subs voxmeter.SubscriptionStore, logger *slog.Logger) *Checkout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkout{
		cfg:         cfg,
		subs:        subs,
		logger:      logger,
		newCustomer: sc.Customers.New,
		newSession:  sc.CheckoutSessions.New,
	}
}

// Create starts a checkout for req.UserID. It fails with
// voxmeter.ErrSubscriptionActive if the account already has an active
// subscription. A customer is created on first use and recorded with an
// incomplete trial subscription so later events can be matched to it.
func (c *Checkout) Create(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: missing user id", voxmeter.ErrInvalidInput)
	}
	if strings.TrimSpace(c.cfg.PriceID) == "" {
		return CheckoutSession{}, errors.New("voxmeter/stripe: price id not configured")
	}

	existing, err := c.subs.SubscriptionByUser(ctx, req.UserID)
	if err != nil && !errors.Is(err, voxmeter.ErrSubscriptionNotFound) {
		return CheckoutSession{}, fmt.Errorf("voxmeter/stripe: load subscription: %w", err)
	}
	if existing.Status == voxmeter.StatusActive && existing.SubscriptionID != "" {
		return CheckoutSession{}, voxmeter.ErrSubscriptionActive
	}

	customerID := existing.CustomerID
	if customerID == "" {
		customerID, err = c.createCustomer(ctx, req)
		if err != nil {
			return CheckoutSession{}, err
		}
		if err := c.subs.UpsertSubscription(ctx, voxmeter.SubscriptionRecord{
			UserID:     req.UserID,
			CustomerID: customerID,
			Plan:       voxmeter.PlanTrial,
			Status:     voxmeter.StatusIncomplete,
		}); err != nil {
			return CheckoutSession{}, fmt.Errorf("voxmeter/stripe: record customer: %w", err)
		}
	}

	params := &stripelib.CheckoutSessionParams{
		Customer:   stripelib.String(customerID),
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL: stripelib.String(c.cfg.SuccessURL),
		CancelURL:  stripelib.String(c.cfg.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(strings.TrimSpace(c.cfg.PriceID)),
				Quantity: stripelib.Int64(1),
			},
		},
		ClientReferenceID:        stripelib.String(req.UserID),
		AllowPromotionCodes:      stripelib.Bool(true),
		BillingAddressCollection: stripelib.String(string(stripelib.CheckoutSessionBillingAddressCollectionAuto)),
		SubscriptionData:         &stripelib.CheckoutSessionSubscriptionDataParams{},
	}
	params.Context = ctx
	params.AddMetadata(userIDMetadataKey, req.UserID)
	params.SubscriptionData.AddMetadata(userIDMetadataKey, req.UserID)

	session, err := c.newSession(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("voxmeter/stripe: create checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return CheckoutSession{}, errors.New("voxmeter/stripe: checkout session has no url")
	}

	c.logger.InfoContext(ctx, "checkout_created", "user", req.UserID, "session", session.ID)
	return CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

func (c *Checkout) createCustomer(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	if req.Email != "" {
		params.Email = stripelib.String(req.Email)
	}
	params.AddMetadata(userIDMetadataKey, req.UserID)

	cust, err := c.newCustomer(params)
	if err != nil {
		return "", fmt.Errorf("voxmeter/stripe: create customer: %w", err)
	}
	return cust.ID, nil
}
