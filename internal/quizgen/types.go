package quizgen

import (
	"errors"
	"fmt"
)

// QuestionType enumerates supported question kinds.
type QuestionType string

const (
	QuestionMultiple  QuestionType = "multiple"
	QuestionTrueFalse QuestionType = "truefalse"
)

// Question is one generated quiz question, in the wire shape the quiz UI
// consumes: Correct is a zero-based index into Options.
type Question struct {
	Type     QuestionType `json:"type"`
	Question string       `json:"question"`
	Options  []string     `json:"options"`
	Correct  int          `json:"correct"`
}

// Validation errors surfaced to the API boundary.
var (
	ErrEmptyDocument     = errors.New("document payload is empty")
	ErrDocumentTooLarge  = errors.New("document exceeds size ceiling")
	ErrNotPDF            = errors.New("document is not a PDF")
	ErrMalformedResponse = errors.New("model response is not a usable question list")
)

// Validate checks the question against the wire contract.
func (question Question) Validate() error {
	switch question.Type {
	case QuestionMultiple, QuestionTrueFalse:
	default:
		return fmt.Errorf("%w: unknown question type %q", ErrMalformedResponse, question.Type)
	}
	if question.Question == "" {
		return fmt.Errorf("%w: empty question text", ErrMalformedResponse)
	}
	if len(question.Options) < 2 {
		return fmt.Errorf("%w: need at least two options", ErrMalformedResponse)
	}
	if question.Type == QuestionTrueFalse && len(question.Options) != 2 {
		return fmt.Errorf("%w: true/false question needs exactly two options", ErrMalformedResponse)
	}
	if question.Correct < 0 || question.Correct >= len(question.Options) {
		return fmt.Errorf("%w: correct index %d out of range", ErrMalformedResponse, question.Correct)
	}
	return nil
}
