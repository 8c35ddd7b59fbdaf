// Package formatter rewrites extracted post text into presentable markdown
// and renders markdown into the HTML subset Telegram accepts.
package formatter

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "patchwatch/pkg/logx"
)

// Formatter turns raw post text into display text. An empty result is not
// an error here; the pipeline decides what empty means.
type Formatter interface {
	Format(ctx context.Context, raw, instructions string) (string, error)
}

// DefaultInstructions asks for structure only. The model must not drop,
// summarize or invent content.
const DefaultInstructions = `Format the following patch notes in a clear, readable way using markdown.
Keep every piece of information from the original text: do not summarize, shorten, reorder facts or add anything new.
Only add presentational structure: a title heading, section headings (for example Features, Bug Fixes, Technical Updates) when the text already groups items that way, bullet lists for enumerations and bold for section titles and important notices.
Return only the formatted notes.`

const DefaultSystemPrompt = "You are a helpful assistant that formats game patch notes."

const (
	ProviderOpenAI      = "openai"
	ProviderPassthrough = "passthrough"

	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 3500
	DefaultTimeout   = 60 * time.Second
	DefaultBaseURL   = "https://api.openai.com/v1"
)

type Config struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
}

// New picks the backend. An openai provider without a key falls back to
// Passthrough with a warning so the bot still distributes raw notes.
func New(cfg Config, log logx.Logger) (Formatter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		if strings.TrimSpace(cfg.APIKey) == "" {
			log.Warn("no formatter api key configured; distributing raw text")
			return Passthrough{}, nil
		}
		return NewOpenAI(cfg, log), nil
	case ProviderPassthrough:
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("formatter: unknown provider %q", cfg.Provider)
	}
}

// Passthrough returns the raw text unchanged.
type Passthrough struct{}

func (Passthrough) Format(_ context.Context, raw, _ string) (string, error) {
	return strings.TrimSpace(raw), nil
}
