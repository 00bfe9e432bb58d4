package checkout

import (
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const eventCheckoutSessionCompleted = "checkout.session.completed"

// CompletedSession is the settlement-relevant slice of a completed
// checkout event: the session id and the buyer identity that was stored
// as the client reference at session creation.
type CompletedSession struct {
	SessionID string
	Identity  string
}

// WebhookVerifier authenticates and decodes provider webhook deliveries.
// Signature verification is the only authentication on the webhook
// endpoint, so an invalid signature is a hard failure.
type WebhookVerifier struct {
	signingSecret string
}

// NewWebhookVerifier wires a verifier from the endpoint signing secret.
func NewWebhookVerifier(signingSecret string) (*WebhookVerifier, error) {
	if strings.TrimSpace(signingSecret) == "" {
		return nil, fmt.Errorf("webhook signing secret is required")
	}
	return &WebhookVerifier{signingSecret: signingSecret}, nil
}

// DecodeCompletedSession verifies the delivery signature and, when the
// event is a completed checkout session, extracts the settlement inputs.
// Events of other types verify fine but report ok=false.
func (verifier *WebhookVerifier) DecodeCompletedSession(payload []byte, signatureHeader string) (CompletedSession, bool, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, verifier.signingSecret)
	if err != nil {
		return CompletedSession{}, false, &GatewayError{Err: err}
	}
	if string(event.Type) != eventCheckoutSessionCompleted {
		return CompletedSession{}, false, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return CompletedSession{}, false, &GatewayError{Err: err}
	}
	return CompletedSession{
		SessionID: session.ID,
		Identity:  session.ClientReferenceID,
	}, true, nil
}
