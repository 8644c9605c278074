// Package llm provides the completion action behind llm_action nodes. It
// calls an OpenAI-compatible chat completions endpoint with a prompt rendered
// from instance state and merges the completion back into the workflow.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/template"
)

const defaultTimeoutSeconds = 60

var (
	// ErrEndpointMissing is returned when the node config has no endpoint.
	ErrEndpointMissing = errors.New("missing or invalid 'endpoint' in configuration")
	// ErrPromptMissing is returned when the node config has no prompt.
	ErrPromptMissing = errors.New("missing or invalid 'prompt' in configuration")
	// ErrCompletionFailed is returned when the endpoint answers with a
	// non-success status.
	ErrCompletionFailed = errors.New("completion request failed")
	// ErrEmptyCompletion is returned when the endpoint returns no choices.
	ErrEmptyCompletion = errors.New("completion response contained no choices")
)

// Action requests a chat completion from a configured endpoint.
type Action struct {
	Endpoint    string
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	APIKeyEnv   string
	Timeout     time.Duration
}

// NewAction creates an Action from node configuration.
func NewAction(config map[string]any) (*Action, error) {
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, ErrEndpointMissing
	}

	prompt, ok := config["prompt"].(string)
	if !ok || prompt == "" {
		return nil, ErrPromptMissing
	}

	model, _ := config["model"].(string)
	system, _ := config["system"].(string)
	apiKeyEnv, _ := config["api_key_env"].(string)

	maxTokens := 0
	if v, ok := config["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}

	temperature := 0.0
	if v, ok := config["temperature"].(float64); ok {
		temperature = v
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Action{
		Endpoint:    endpoint,
		Model:       model,
		Prompt:      prompt,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		APIKeyEnv:   apiKeyEnv,
		Timeout:     timeout,
	}, nil
}

// Validate checks that the configured templates parse.
func (a *Action) Validate(_ context.Context) error {
	_, err := template.Parse(a.Prompt)
	if err != nil {
		return fmt.Errorf("invalid prompt template: %w", err)
	}

	if a.System != "" {
		_, err = template.Parse(a.System)
		if err != nil {
			return fmt.Errorf("invalid system template: %w", err)
		}
	}

	return nil
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string              `json:"model,omitempty"`
	Messages    []completionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// Execute renders the prompt against instance state, requests a completion
// and returns the assistant content with model and usage metadata.
func (a *Action) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "llm_action", "model", a.Model)
	logger.InfoContext(ctx, "Executing completion action")

	prompt, err := a.renderText(a.Prompt, &executionCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt template: %w", err)
	}

	messages := make([]completionMessage, 0, 2)

	if a.System != "" {
		system, err := a.renderText(a.System, &executionCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to render system template: %w", err)
		}

		messages = append(messages, completionMessage{Role: "system", Content: system})
	}

	messages = append(messages, completionMessage{Role: "user", Content: prompt})

	payload, err := json.Marshal(completionRequest{
		Model:       a.Model,
		Messages:    messages,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if a.APIKeyEnv != "" {
		if key := os.Getenv(a.APIKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	client := &http.Client{Timeout: a.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("status %d: %s: %w", resp.StatusCode, string(bodyBytes), ErrCompletionFailed)
	}

	var completion completionResponse

	err = json.Unmarshal(bodyBytes, &completion)
	if err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	choice := completion.Choices[0]

	logger.InfoContext(ctx, "Completion action finished",
		"finish_reason", choice.FinishReason,
		"content_length", len(choice.Message.Content),
	)

	return map[string]any{
		"content":       choice.Message.Content,
		"model":         completion.Model,
		"finish_reason": choice.FinishReason,
		"usage":         completion.Usage,
	}, nil
}

func (a *Action) renderText(input string, executionCtx *models.ExecutionContext) (string, error) {
	rendered, err := template.RenderWithContext(input, executionCtx)
	if err != nil {
		return "", err
	}

	if str, ok := rendered.(string); ok {
		return str, nil
	}

	encoded, err := json.Marshal(rendered)
	if err != nil {
		return "", fmt.Errorf("failed to encode rendered text: %w", err)
	}

	return string(encoded), nil
}
