package llm

import "context"

// Provider is the abstraction over the external generation model.
// Consumers send an instruction block plus an inline PDF document and get
// back the model's raw text output; parsing is the caller's concern.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the model.
type Request struct {
	// Instructions is the user-turn instruction block. It carries the
	// output contract the caller expects the model to honor.
	Instructions string

	// DocumentPDF is the raw PDF payload attached inline to the request.
	DocumentPDF []byte

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int

	// Temperature controls randomness. Range: 0.0 - 1.0.
	Temperature float64
}

// Response holds the model's output.
type Response struct {
	// Text is the raw generated output, untrimmed.
	Text string

	// Model is the actual model that served the request.
	Model string
}
