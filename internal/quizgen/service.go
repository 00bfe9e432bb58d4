package quizgen

import (
	"bytes"
	"context"
	"fmt"

	"github.com/quizforge/quizforge/internal/llm"
	"github.com/quizforge/quizforge/pkg/credits"
)

const (
	// GenerationCostCredits is the fixed price of one generation.
	GenerationCostCredits = 5

	// MaxDocumentBytes caps the uploaded PDF at 20 MiB.
	MaxDocumentBytes = 20 << 20

	// DefaultQuestionCount applies when the client omits a count.
	DefaultQuestionCount = 5

	// MinQuestionCount and MaxQuestionCount bound the clamp.
	MinQuestionCount = 1
	MaxQuestionCount = 20

	generationMaxTokens = 8192
)

var pdfMagic = []byte("%PDF-")

// Service orchestrates one quiz generation: validate, check balance, call
// the provider, parse, and only then deduct. A request that fails at any
// step before the deduct costs the user nothing.
type Service struct {
	creditsService *credits.Service
	provider       llm.Provider
	cost           credits.PositiveCreditAmount
}

// Result is a completed generation with the post-deduction balance.
type Result struct {
	Questions        []Question
	CreditsRemaining credits.CreditAmount
}

// NewService wires the orchestrator.
func NewService(creditsService *credits.Service, provider llm.Provider) (*Service, error) {
	if creditsService == nil {
		return nil, fmt.Errorf("credits service dependency is nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("generation provider dependency is nil")
	}
	cost, err := credits.NewPositiveCreditAmount(GenerationCostCredits)
	if err != nil {
		return nil, err
	}
	return &Service{
		creditsService: creditsService,
		provider:       provider,
		cost:           cost,
	}, nil
}

// ValidateDocument enforces the upload contract before any resource use.
func ValidateDocument(document []byte) error {
	if len(document) == 0 {
		return ErrEmptyDocument
	}
	if len(document) > MaxDocumentBytes {
		return ErrDocumentTooLarge
	}
	if !bytes.HasPrefix(document, pdfMagic) {
		return ErrNotPDF
	}
	return nil
}

// ClampQuestionCount maps a client-supplied count onto [1, 20], defaulting
// when absent.
func ClampQuestionCount(requested int) int {
	if requested == 0 {
		return DefaultQuestionCount
	}
	if requested < MinQuestionCount {
		return MinQuestionCount
	}
	if requested > MaxQuestionCount {
		return MaxQuestionCount
	}
	return requested
}

// Generate runs the full state machine for one request. The balance check
// short-circuits before the provider call; the deduct runs strictly after a
// successful parse, so a provider or parse failure never charges the user.
// The deduct re-checks the balance atomically, which can surface
// ErrInsufficientCredits even after a successful generation when a
// concurrent request drained the account in between.
func (service *Service) Generate(ctx context.Context, identity credits.Identity, document []byte, requestedCount int) (Result, error) {
	if err := ValidateDocument(document); err != nil {
		return Result{}, err
	}
	questionCount := ClampQuestionCount(requestedCount)

	balance, err := service.creditsService.Balance(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	if balance.Int64() < service.cost.Int64() {
		return Result{}, credits.ErrInsufficientCredits
	}

	response, err := service.provider.Generate(ctx, llm.Request{
		Instructions: BuildInstructions(questionCount),
		DocumentPDF:  document,
		MaxTokens:    generationMaxTokens,
	})
	if err != nil {
		return Result{}, err
	}

	questions, err := DecodeQuestions(response.Text)
	if err != nil {
		return Result{}, err
	}

	metadata, err := credits.NewMetadataJSON(fmt.Sprintf(`{"action":"quiz_generation","questions":%d,"model":%q}`, len(questions), response.Model))
	if err != nil {
		return Result{}, err
	}
	remaining, err := service.creditsService.Deduct(ctx, identity, service.cost, metadata)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Questions:        questions,
		CreditsRemaining: remaining,
	}, nil
}

// Cost exposes the fixed per-generation price.
func (service *Service) Cost() credits.PositiveCreditAmount {
	return service.cost
}
