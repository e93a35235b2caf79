package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mikey/mail-onebox/internal/core"
)

// ErrUnknownCategory is returned when a model answers outside the category set
var ErrUnknownCategory = errors.New("unknown category in model response")

// ClassifySystem is the system prompt for categorization
func ClassifySystem() string {
	return fmt.Sprintf(`You are an email categorization assistant. Categorize the email you are given into exactly one of these categories: %s.
Respond with a JSON object containing:
- category: string (one of the categories above, spelled exactly)

Respond only with the JSON object and nothing else.`, core.CategoryNames())
}

// DraftSystem is the system prompt for reply drafting with retrieved context
func DraftSystem(context string) string {
	return fmt.Sprintf(`You are an expert email assistant. Your task is to draft a helpful and concise reply to an incoming email.
Use the following context to inform your reply.
---
CONTEXT:
%s
---
Now, draft a reply for the following email. Be professional and friendly. Do not mention that you used context to generate the reply. Just provide the reply itself.`, context)
}

type classification struct {
	Category string `json:"category"`
}

// ParseCategory reads a classification response. JSON answers are
// preferred; a bare category name is also accepted.
func ParseCategory(response string) (core.Category, error) {
	response = strings.TrimSpace(response)

	var parsed classification
	if jsonStr, ok := ExtractJSON(response); ok {
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.Category != "" {
			if category, ok := core.ParseCategory(parsed.Category); ok {
				return category, nil
			}
			return core.CategoryNone, fmt.Errorf("%w: %q", ErrUnknownCategory, parsed.Category)
		}
	}

	if category, ok := core.ParseCategory(response); ok {
		return category, nil
	}
	return core.CategoryNone, fmt.Errorf("%w: %q", ErrUnknownCategory, truncate(response, 64))
}

// ExtractJSON returns the text between the first '{' and the last '}'
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
