package checkout

import (
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

const testSigningSecret = "whsec_test_secret"

func signedHeader(test *testing.T, payload []byte, secret string) string {
	test.Helper()
	timestamp := time.Now()
	signature := webhook.ComputeSignature(timestamp, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(signature))
}

func completedEventPayload(sessionID string, identity string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":%q,"client_reference_id":%q}}}`,
		sessionID, identity,
	))
}

func TestNewWebhookVerifierRequiresSecret(test *testing.T) {
	test.Parallel()
	if _, err := NewWebhookVerifier("  "); err == nil {
		test.Fatalf("expected error for blank signing secret")
	}
}

func TestDecodeCompletedSessionExtractsSettlementInputs(test *testing.T) {
	test.Parallel()
	verifier, err := NewWebhookVerifier(testSigningSecret)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	payload := completedEventPayload("cs_test_123", "buyer-9")

	completed, ok, err := verifier.DecodeCompletedSession(payload, signedHeader(test, payload, testSigningSecret))
	if err != nil {
		test.Fatalf("decode: %v", err)
	}
	if !ok {
		test.Fatalf("expected completed session event to be recognized")
	}
	if completed.SessionID != "cs_test_123" {
		test.Fatalf("expected session id cs_test_123, got %q", completed.SessionID)
	}
	if completed.Identity != "buyer-9" {
		test.Fatalf("expected identity buyer-9, got %q", completed.Identity)
	}
}

func TestDecodeCompletedSessionIgnoresOtherEventTypes(test *testing.T) {
	test.Parallel()
	verifier, err := NewWebhookVerifier(testSigningSecret)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	payload := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	_, ok, err := verifier.DecodeCompletedSession(payload, signedHeader(test, payload, testSigningSecret))
	if err != nil {
		test.Fatalf("decode: %v", err)
	}
	if ok {
		test.Fatalf("expected non-checkout event to be skipped")
	}
}

func TestDecodeCompletedSessionRejectsBadSignature(test *testing.T) {
	test.Parallel()
	verifier, err := NewWebhookVerifier(testSigningSecret)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	payload := completedEventPayload("cs_test_123", "buyer-9")

	_, _, err = verifier.DecodeCompletedSession(payload, signedHeader(test, payload, "whsec_wrong"))
	var gatewayErr *GatewayError
	if err == nil {
		test.Fatalf("expected signature failure")
	}
	if !errors.As(err, &gatewayErr) {
		test.Fatalf("expected GatewayError, got %T", err)
	}
}

func TestDecodeCompletedSessionRejectsTamperedPayload(test *testing.T) {
	test.Parallel()
	verifier, err := NewWebhookVerifier(testSigningSecret)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	payload := completedEventPayload("cs_test_123", "buyer-9")
	header := signedHeader(test, payload, testSigningSecret)
	tampered := completedEventPayload("cs_test_123", "attacker")

	if _, _, err := verifier.DecodeCompletedSession(tampered, header); err == nil {
		test.Fatalf("expected tampered payload to fail verification")
	}
}
