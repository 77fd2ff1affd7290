package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kpalumbo/helpline/internal/reliability"
)

const nluProvider = "nlu"

const intentSystemPrompt = `You classify one customer support utterance.
Respond with JSON only: {"label": one of
[general_query,password_reset,billing_issue,technical_problem,account_access,confirm,deny,unknown],
"confidence": 0..1, "email": "", "phone": "", "summary": ""}.
Leave email/phone empty unless literally present in the utterance.`

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExtractor asks an LLM for the label and slots, going through the
// resilience wrapper. On provider failure it falls back to the rule
// extractor so a turn is never lost to NLU downtime.
type OpenAIExtractor struct {
	client       chatClient
	model        string
	invoker      *reliability.Invoker
	unknownFloor float64
	fallback     *RuleExtractor
}

func NewOpenAIExtractor(apiKey, model string, invoker *reliability.Invoker, unknownFloor float64) *OpenAIExtractor {
	return &OpenAIExtractor{
		client:       openai.NewClient(apiKey),
		model:        model,
		invoker:      invoker,
		unknownFloor: unknownFloor,
		fallback:     NewRuleExtractor(unknownFloor),
	}
}

type nluPayload struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Summary    string  `json:"summary"`
}

func (e *OpenAIExtractor) Extract(ctx context.Context, utterance string) (Result, error) {
	var payload nluPayload
	err := e.invoker.Do(ctx, nluProvider, true, func(ctx context.Context) error {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       e.model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: intentSystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: utterance},
			},
		})
		if err != nil {
			return reliability.Transient(err)
		}
		if len(resp.Choices) == 0 {
			return reliability.Transient(fmt.Errorf("nlu: empty completion"))
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		content = strings.TrimPrefix(content, "```json")
		content = strings.Trim(content, "` \n")
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return fmt.Errorf("nlu: decode payload: %w", err)
		}
		return nil
	})
	if err != nil {
		return e.fallback.Extract(ctx, utterance)
	}

	res := Result{
		Label:      ParseLabel(payload.Label),
		Confidence: payload.Confidence,
		Fields: Fields{
			Email:        strings.TrimSpace(payload.Email),
			Phone:        strings.TrimSpace(payload.Phone),
			IssueSummary: strings.TrimSpace(payload.Summary),
		},
	}
	if res.Fields.IssueSummary == "" {
		res.Fields.IssueSummary = strings.TrimSpace(utterance)
	}
	// Trust the local regexes over the model for contact slots.
	local := ExtractFields(utterance)
	if local.Email != "" {
		res.Fields.Email = local.Email
	}
	if res.Fields.Email != "" && !ValidEmail(res.Fields.Email) {
		res.Fields.Email = ""
	}
	if local.Phone != "" {
		res.Fields.Phone = local.Phone
	}
	if res.Fields.Phone != "" && !ValidPhone(res.Fields.Phone) {
		res.Fields.Phone = ""
	}
	return applyFloor(res, e.unknownFloor), nil
}
