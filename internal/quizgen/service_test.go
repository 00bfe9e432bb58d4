package quizgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quizforge/quizforge/internal/llm"
	"github.com/quizforge/quizforge/pkg/credits"
)

// memStore is a minimal in-memory credits.Store for orchestrator tests.
type memStore struct {
	balances map[string]int64
}

func newMemStore() *memStore {
	return &memStore{balances: map[string]int64{}}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *memStore) GetOrCreateAccount(_ context.Context, identity credits.Identity) (credits.Account, error) {
	balance, _ := credits.NewCreditAmount(store.balances[identity.String()])
	return credits.Account{Identity: identity, BalanceCredits: balance}, nil
}

func (store *memStore) DeductBalance(_ context.Context, identity credits.Identity, amount credits.PositiveCreditAmount) (bool, error) {
	if store.balances[identity.String()] < amount.Int64() {
		return false, nil
	}
	store.balances[identity.String()] -= amount.Int64()
	return true, nil
}

func (store *memStore) AddBalance(_ context.Context, identity credits.Identity, amount credits.PositiveCreditAmount, _ int64) error {
	store.balances[identity.String()] += amount.Int64()
	return nil
}

func (store *memStore) FindSettlement(_ context.Context, _ credits.SessionID) (credits.SettlementRecord, bool, error) {
	return credits.SettlementRecord{}, false, nil
}

func (store *memStore) InsertSettlement(_ context.Context, _ credits.SettlementRecord) error {
	return nil
}

func (store *memStore) ListSettlements(_ context.Context, _ credits.Identity, _ int) ([]credits.SettlementRecord, error) {
	return nil, nil
}

func newTestOrchestrator(test *testing.T, store *memStore, provider llm.Provider) *Service {
	test.Helper()
	creditsService, err := credits.NewService(store, func() int64 { return 42 })
	if err != nil {
		test.Fatalf("credits service init failed: %v", err)
	}
	service, err := NewService(creditsService, provider)
	if err != nil {
		test.Fatalf("orchestrator init failed: %v", err)
	}
	return service
}

func mustIdentity(test *testing.T, raw string) credits.Identity {
	test.Helper()
	identity, err := credits.NewIdentity(raw)
	if err != nil {
		test.Fatalf("identity init failed: %v", err)
	}
	return identity
}

func pdfDocument(payload string) []byte {
	return []byte("%PDF-1.4\n" + payload)
}

func TestGenerateDeductsAfterSuccess(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	provider := &llm.MockProvider{FixedText: "```json\n" + validQuestionArray + "\n```"}
	service := newTestOrchestrator(test, store, provider)
	identity := mustIdentity(test, "rich-user")
	store.balances[identity.String()] = 20

	result, err := service.Generate(context.Background(), identity, pdfDocument("content"), 7)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(result.Questions) != 5 {
		test.Fatalf("expected 5 questions, got %d", len(result.Questions))
	}
	if result.CreditsRemaining != 15 {
		test.Fatalf("expected remaining 15, got %d", result.CreditsRemaining)
	}
	if provider.Calls != 1 {
		test.Fatalf("expected one provider call, got %d", provider.Calls)
	}
	if !strings.Contains(provider.LastRequest.Instructions, "exactly 7 quiz questions") {
		test.Fatalf("expected clamped count 7 in instructions")
	}
}

func TestGenerateShortCircuitsOnInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	provider := &llm.MockProvider{FixedText: validQuestionArray}
	service := newTestOrchestrator(test, store, provider)
	identity := mustIdentity(test, "poor-user")
	store.balances[identity.String()] = 3

	_, err := service.Generate(context.Background(), identity, pdfDocument("content"), 5)
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if provider.Calls != 0 {
		test.Fatalf("expected provider to not be called, got %d calls", provider.Calls)
	}
	if store.balances[identity.String()] != 3 {
		test.Fatalf("expected balance unchanged, got %d", store.balances[identity.String()])
	}
}

func TestGenerateProviderFailureCostsNothing(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	provider := &llm.MockProvider{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return nil, &llm.ErrProviderUnavailable{Err: errors.New("upstream down")}
		},
	}
	service := newTestOrchestrator(test, store, provider)
	identity := mustIdentity(test, "unlucky-user")
	store.balances[identity.String()] = 20

	_, err := service.Generate(context.Background(), identity, pdfDocument("content"), 5)
	var unavailable *llm.ErrProviderUnavailable
	if !errors.As(err, &unavailable) {
		test.Fatalf("expected provider error, got %v", err)
	}
	if store.balances[identity.String()] != 20 {
		test.Fatalf("expected balance unchanged, got %d", store.balances[identity.String()])
	}
}

func TestGenerateMalformedResponseCostsNothing(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	provider := &llm.MockProvider{FixedText: "I could not read your PDF, sorry."}
	service := newTestOrchestrator(test, store, provider)
	identity := mustIdentity(test, "confused-user")
	store.balances[identity.String()] = 20

	_, err := service.Generate(context.Background(), identity, pdfDocument("content"), 5)
	if !errors.Is(err, ErrMalformedResponse) {
		test.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if store.balances[identity.String()] != 20 {
		test.Fatalf("expected balance unchanged, got %d", store.balances[identity.String()])
	}
}

func TestGenerateSurfacesConcurrentDrain(test *testing.T) {
	test.Parallel()
	store := newMemStore()
	identity := mustIdentity(test, "drained-user")
	store.balances[identity.String()] = 5
	provider := &llm.MockProvider{
		GenerateFunc: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			// A concurrent request empties the account while generation runs.
			store.balances[identity.String()] = 0
			return &llm.Response{Text: validQuestionArray, Model: "mock-model"}, nil
		},
	}
	service := newTestOrchestrator(test, store, provider)

	_, err := service.Generate(context.Background(), identity, pdfDocument("content"), 5)
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits after drain, got %v", err)
	}
	if store.balances[identity.String()] != 0 {
		test.Fatalf("expected balance to stay 0, got %d", store.balances[identity.String()])
	}
}

func TestValidateDocument(test *testing.T) {
	test.Parallel()
	if err := ValidateDocument(nil); !errors.Is(err, ErrEmptyDocument) {
		test.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
	oversized := make([]byte, MaxDocumentBytes+1)
	copy(oversized, pdfMagic)
	if err := ValidateDocument(oversized); !errors.Is(err, ErrDocumentTooLarge) {
		test.Fatalf("expected ErrDocumentTooLarge, got %v", err)
	}
	if err := ValidateDocument([]byte("plain text")); !errors.Is(err, ErrNotPDF) {
		test.Fatalf("expected ErrNotPDF, got %v", err)
	}
	if err := ValidateDocument(pdfDocument("ok")); err != nil {
		test.Fatalf("expected valid document, got %v", err)
	}
}

func TestClampQuestionCount(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		requested int
		expected  int
	}{
		{requested: 0, expected: DefaultQuestionCount},
		{requested: -3, expected: MinQuestionCount},
		{requested: 1, expected: 1},
		{requested: 7, expected: 7},
		{requested: 20, expected: 20},
		{requested: 25, expected: MaxQuestionCount},
	}
	for _, testCase := range testCases {
		if got := ClampQuestionCount(testCase.requested); got != testCase.expected {
			test.Fatalf("clamp(%d): expected %d, got %d", testCase.requested, testCase.expected, got)
		}
	}
}
