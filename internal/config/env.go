package config

import (
	"os"
	"strings"
)

// Secrets may come from the environment so they stay out of the config file.
// An env value only fills a field that the file left empty.
const (
	EnvTelegramToken  = "PATCHWATCH_TELEGRAM_TOKEN"
	EnvFormatterKey   = "PATCHWATCH_OPENAI_API_KEY"
	EnvSourcePassword = "PATCHWATCH_SOURCE_PASSWORD"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&cfg.Telegram.Token, EnvTelegramToken)
	fill(&cfg.Formatter.APIKey, EnvFormatterKey)
	fill(&cfg.Source.Login.Password, EnvSourcePassword)
}
