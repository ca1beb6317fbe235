// Package guardrail classifies assistant output before it is trusted.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/patientline/internal/types"
	"github.com/user/patientline/pkg/llm"
)

const defaultSampleTokens = 512

// Moderation is an output guardrail backed by a chat-completions model.
type Moderation struct {
	provider    llm.Provider
	companyName string
	tokenizer   *tiktoken.Tiktoken
	maxTokens   int
}

var _ types.OutputGuardrail = (*Moderation)(nil)

// NewModeration creates a moderation guardrail. model selects the tokenizer
// used to trim samples to maxTokens.
func NewModeration(provider llm.Provider, model, companyName string, maxTokens int) (*Moderation, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if maxTokens <= 0 {
		maxTokens = defaultSampleTokens
	}
	return &Moderation{
		provider:    provider,
		companyName: companyName,
		tokenizer:   enc,
		maxTokens:   maxTokens,
	}, nil
}

func (m *Moderation) Name() string { return "moderation_guardrail" }

type verdict struct {
	Rationale string `json:"moderationRationale"`
	Category  string `json:"moderationCategory"`
}

// Check classifies text. The returned result is always DONE.
func (m *Moderation) Check(ctx context.Context, text string) (*types.GuardrailResult, error) {
	sample := m.truncate(text)

	resp, err := m.provider.Complete(ctx, &llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: m.systemPrompt()},
			{Role: "user", Content: sample},
		},
		JSONOutput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("classify output: %w", err)
	}

	var v verdict
	if err := json.Unmarshal([]byte(resp.Content), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}

	return &types.GuardrailResult{
		Status:     types.GuardrailDone,
		Category:   normalizeCategory(v.Category),
		Rationale:  v.Rationale,
		SampleText: sample,
	}, nil
}

func (m *Moderation) truncate(text string) string {
	tokens := m.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= m.maxTokens {
		return text
	}
	return m.tokenizer.Decode(tokens[:m.maxTokens])
}

func (m *Moderation) systemPrompt() string {
	company := m.companyName
	if company == "" {
		company = "the clinic"
	}
	return fmt.Sprintf(`You are a classifier for messages spoken by a patient registration assistant working for %s.
Classify the user-provided text into exactly one category:
- OFFENSIVE: hate speech, discriminatory language, insults, slurs, or harassment.
- OFF_BRAND: disparaging %s, discussing competitors, or clearly unrelated to patient registration.
- VIOLENCE: explicit threats, incitement of harm, or graphic physical injury.
- NONE: none of the above.
Respond with a JSON object {"moderationRationale": string, "moderationCategory": "OFFENSIVE" | "OFF_BRAND" | "VIOLENCE" | "NONE"}.`, company, company)
}

// normalizeCategory maps unrecognised labels to OFF_BRAND so that an
// unexpected verdict never passes silently.
func normalizeCategory(s string) types.GuardrailCategory {
	c := types.GuardrailCategory(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case types.CategoryNone, types.CategoryOffensive, types.CategoryOffBrand, types.CategoryViolence:
		return c
	default:
		return types.CategoryOffBrand
	}
}
