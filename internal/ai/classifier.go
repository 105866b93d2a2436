// Package ai implements the classification collaborator contract on top
// of an OpenAI-compatible chat completion API.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/classify"
	"github.com/comptapilot/comptapilot/internal/common"
)

// Classifier is the external classification collaborator contract.
// Malformed output and balance violations are both retryable: a
// re-prompt may self-correct.
type Classifier interface {
	Classify(ctx context.Context, input classify.Input) (*classify.Result, error)
}

// OpenAIClassifier implements Classifier with a chat completion call.
type OpenAIClassifier struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *zap.Logger
}

// NewOpenAIClassifier creates a classifier with an explicit model.
func NewOpenAIClassifier(apiKey, model string, temperature float32, maxTokens int, logger *zap.Logger) *OpenAIClassifier {
	return &OpenAIClassifier{
		client:      openai.NewClient(apiKey),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger,
	}
}

// Classify sends the OCR snapshot to the model, parses the JSON answer
// and validates it against the accounting contract. Everything that can
// go wrong here is transient from the pipeline's point of view.
func (c *OpenAIClassifier) Classify(ctx context.Context, input classify.Input) (*classify.Result, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.logger.Error("Classification API call failed", zap.Error(err))
		return nil, common.Transient(fmt.Errorf("classification call failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, common.Transient(fmt.Errorf("classification returned no choices"))
	}

	content := resp.Choices[0].Message.Content
	jsonText := extractJSON(content)
	if jsonText == "" {
		c.logger.Error("No JSON found in classification response",
			zap.String("content", content))
		return nil, common.Transient(fmt.Errorf("classification response contains no JSON"))
	}

	var result classify.Result
	if err := json.Unmarshal([]byte(jsonText), &result); err != nil {
		c.logger.Error("Failed to parse classification response",
			zap.Error(err))
		return nil, common.Transient(fmt.Errorf("failed to parse classification response: %w", err))
	}

	if err := classify.Validate(&result); err != nil {
		c.logger.Warn("Classification result rejected", zap.Error(err))
		return nil, err
	}

	c.logger.Info("Classification completed",
		zap.String("supplier", result.Supplier.Name),
		zap.String("expense_account", result.Accounting.ExpenseAccount),
		zap.String("journal", result.Accounting.JournalCode))

	return &result, nil
}

// extractJSON tolerates ```json fences and leading prose around the
// object the model was asked to answer with.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if start := strings.Index(content, "```json"); start != -1 {
		rest := content[start+len("```json"):]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}
