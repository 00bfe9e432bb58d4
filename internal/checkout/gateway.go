package checkout

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
)

// sessionIDPlaceholder is substituted by the payment provider when it
// redirects the buyer back to the success page.
const sessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

// GatewayError wraps an upstream payment-provider failure.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SessionParams describes one checkout session to create.
type SessionParams struct {
	Identity       string
	BuyerEmail     string
	PriceReference string
}

// Session is the provider's handle for a pending purchase.
type Session struct {
	SessionID   string
	RedirectURL string
}

// SessionGateway creates external payment sessions. It never touches the
// credit ledger.
type SessionGateway interface {
	CreateSession(ctx context.Context, params SessionParams) (Session, error)
}

// Config configures the Stripe-backed gateway.
type Config struct {
	SecretKey string
	// AppBaseURL is where the buyer lands after checkout; success carries
	// the session id placeholder for the settlement accelerator page.
	AppBaseURL string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.AppBaseURL) == "" {
		return fmt.Errorf("app base url is required")
	}
	return nil
}

// StripeGateway implements SessionGateway against the Stripe API.
type StripeGateway struct {
	api        *stripeclient.API
	successURL string
	cancelURL  string
}

// NewStripeGateway wires a gateway from config.
func NewStripeGateway(cfg Config) (*StripeGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, nil)
	baseURL := strings.TrimRight(cfg.AppBaseURL, "/")
	return &StripeGateway{
		api:        api,
		successURL: baseURL + "/success?session_id=" + sessionIDPlaceholder,
		cancelURL:  baseURL + "/cancel",
	}, nil
}

// CreateSession opens a payment-mode checkout session and returns the
// provider-hosted redirect target. The buyer identity travels as the
// session's client reference id so the webhook can settle without a
// browser session.
func (gateway *StripeGateway) CreateSession(ctx context.Context, params SessionParams) (Session, error) {
	if strings.TrimSpace(params.PriceReference) == "" {
		return Session{}, fmt.Errorf("price reference is required")
	}
	sessionParams := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceReference),
				Quantity: stripe.Int64(1),
			},
		},
		CustomerEmail:     stripe.String(params.BuyerEmail),
		ClientReferenceID: stripe.String(params.Identity),
		SuccessURL:        stripe.String(gateway.successURL),
		CancelURL:         stripe.String(gateway.cancelURL),
	}
	created, err := gateway.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return Session{}, &GatewayError{Err: err}
	}
	return Session{
		SessionID:   created.ID,
		RedirectURL: created.URL,
	}, nil
}
