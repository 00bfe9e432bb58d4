package quizgen

import (
	"fmt"
	"strings"
)

const promptTemplate = `The uploaded PDF is in English. Please generate exactly %d quiz questions in English, matching the PDF content.

IMPORTANT:
- Return ONLY a valid parseable JSON array, a single array with no explanations, markdown, or extra text.
- The quiz questions must be in English.
- The format must be exactly like this:

[
  {
    "type": "multiple",
    "question": "What is the meaning of X?",
    "options": ["Correct answer", "Wrong1", "Wrong2", "Wrong3"],
    "correct": 0
  },
  {
    "type": "truefalse",
    "question": "True or False: X is Y?",
    "options": ["true", "false"],
    "correct": 1
  }
]`

// BuildInstructions renders the instruction block sent alongside the PDF.
// The output contract (bare JSON array, two question types, zero-based
// correct index) must match what DecodeQuestions accepts.
func BuildInstructions(questionCount int) string {
	return strings.TrimSpace(fmt.Sprintf(promptTemplate, questionCount))
}
