package llm

import "context"

// MockProvider is a test double for Provider. GenerateFunc, when set,
// handles the call; otherwise FixedText is returned. Calls counts every
// Generate invocation, which lets tests assert the provider was never
// reached on short-circuit paths.
type MockProvider struct {
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)
	FixedText    string
	Calls        int
	LastRequest  Request
}

func (m *MockProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	m.Calls++
	m.LastRequest = req
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Response{Text: m.FixedText, Model: m.ModelID()}, nil
}

func (m *MockProvider) ModelID() string {
	return "mock-model"
}
