// Package vision wraps the external image classifier used to verify citizen
// reports.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Verdict is the classifier's structured judgement of a report image.
type Verdict struct {
	IsValid     bool   `json:"is_valid"`
	Category    string `json:"category"`
	Severity    int    `json:"severity"`
	Description string `json:"description"`
}

// ErrMalformedResponse indicates the classifier returned something that is
// not the expected JSON schema. Callers treat it as a permanent failure of
// this attempt, distinguished from transport errors only in the timeline
// message.
var ErrMalformedResponse = errors.New("malformed classifier response")

// Classifier judges whether an image depicts a real civic issue.
type Classifier interface {
	Classify(ctx context.Context, imageBytes []byte) (*Verdict, error)
}

// Config holds configuration for the vision classifier.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// DefaultConfig returns sensible defaults for report classification.
func DefaultConfig() Config {
	return Config{
		Model:     "gpt-4o-mini",
		MaxTokens: 500,
		Timeout:   60 * time.Second,
	}
}

const systemPrompt = `You are a municipal triage assistant reviewing photos submitted with civic grievance reports (potholes, garbage, broken streetlights, waterlogging, damaged signage, encroachment).

Respond with ONLY a JSON object:
{
  "is_valid": true|false,
  "category": "<one of: Pothole, Garbage, Streetlight, Waterlogging, Signage, Encroachment, Drainage, Other>",
  "severity": <integer 1-10>,
  "description": "<one sentence describing what the photo shows>"
}

Set is_valid to false when the photo does not show a civic issue (selfies, screenshots, indoor scenes, blank or unrelated images) and explain why in the description.`

// OpenAIClassifier calls an OpenAI-compatible vision model.
type OpenAIClassifier struct {
	client *openai.Client
	config Config
	logger *slog.Logger
}

// NewOpenAIClassifier creates a classifier backed by an OpenAI-compatible API.
func NewOpenAIClassifier(cfg Config, logger *slog.Logger) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier api key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClassifier{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: logger,
	}, nil
}

// Classify sends the image to the vision model and parses its verdict.
func (c *OpenAIClassifier) Classify(ctx context.Context, imageBytes []byte) (*Verdict, error) {
	apiCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(apiCtx, openai.ChatCompletionRequest{
		Model:               c.config.Model,
		MaxCompletionTokens: c.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Classify this report photo.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageDataURL(imageBytes),
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classifier api call failed: %w", err)
	}

	c.logger.Debug("classifier call complete",
		"model", c.config.Model,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices", ErrMalformedResponse)
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

// parseVerdict decodes the model output, tolerating markdown code fences, and
// validates the schema.
func parseVerdict(raw string) (*Verdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if verdict.IsValid && verdict.Category == "" {
		return nil, fmt.Errorf("%w: valid verdict without category", ErrMalformedResponse)
	}
	if verdict.Severity < 1 {
		verdict.Severity = 1
	}
	if verdict.Severity > 10 {
		verdict.Severity = 10
	}

	return &verdict, nil
}

// imageDataURL inlines the image bytes as a data URL for the vision API.
func imageDataURL(imageBytes []byte) string {
	mime := http.DetectContentType(imageBytes)
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(imageBytes))
}
