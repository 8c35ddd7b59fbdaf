package formatter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "patchwatch/pkg/logx"
)

// ProviderError is returned when the API answers with a non-2xx status.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("formatter: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("formatter: HTTP %d: %s", err.StatusCode, err.Message)
}

func (err *ProviderError) IsRateLimited() bool { return err.StatusCode == http.StatusTooManyRequests }

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewOpenAI(cfg Config, log logx.Logger) *OpenAI {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, log: log}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Format(ctx context.Context, raw, instructions string) (string, error) {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	wire := chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: o.cfg.SystemPrompt},
			{Role: "user", Content: instructions + "\n\n" + raw},
		},
		MaxTokens: o.cfg.MaxTokens,
	}
	if o.cfg.Temperature > 0 {
		t := o.cfg.Temperature
		wire.Temperature = &t
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("formatter: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("formatter: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("formatter: sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", readProviderError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("formatter: decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	choice := out.Choices[0]
	o.log.Debug("formatted",
		logx.String("model", o.cfg.Model),
		logx.Int("prompt_tokens", out.Usage.PromptTokens),
		logx.Int("completion_tokens", out.Usage.CompletionTokens),
		logx.String("finish", choice.FinishReason),
		logx.Duration("took", time.Since(start)))
	if choice.FinishReason == "length" {
		o.log.Warn("formatter output truncated at max_tokens", logx.Int("max_tokens", o.cfg.MaxTokens))
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

// readProviderError parses {"error":{"type":"...","message":"..."}} and
// falls back to the raw body.
func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
