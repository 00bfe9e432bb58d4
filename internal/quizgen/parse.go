package quizgen

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeQuestions turns raw model output into a validated question list.
// The strict parse runs first; when it fails, a recovery pass strips
// markdown code fences and slices the substring between the first '[' and
// the last ']' before parsing again. Models wrap otherwise-valid JSON in
// prose or fences often enough that the recovery pass earns its keep.
func DecodeQuestions(raw string) ([]Question, error) {
	var questions []Question
	if err := json.Unmarshal([]byte(raw), &questions); err != nil {
		extracted, ok := extractJSONArray(raw)
		if !ok {
			return nil, fmt.Errorf("%w: no JSON array found", ErrMalformedResponse)
		}
		if err := json.Unmarshal([]byte(extracted), &questions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: empty question list", ErrMalformedResponse)
	}
	for index, question := range questions {
		if err := question.Validate(); err != nil {
			return nil, fmt.Errorf("question %d: %w", index, err)
		}
	}
	return questions, nil
}

func extractJSONArray(raw string) (string, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return cleaned[start : end+1], true
}
