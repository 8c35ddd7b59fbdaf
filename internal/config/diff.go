package config

import (
	"reflect"
	"strings"

	logx "patchwatch/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections plus safe
// log fields describing them. Secrets (tokens, api keys, passwords) are
// reported only as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.GroupLog != newCfg.Telegram.GroupLog ||
		oldCfg.Telegram.Welcome != newCfg.Telegram.Welcome ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(redactSource(oldCfg.Source), redactSource(newCfg.Source)) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.monitor_url", newCfg.Source.MonitorURL),
			logx.Int("source.selectors", len(newCfg.Source.Selectors)),
			logx.Bool("source.login", strings.TrimSpace(newCfg.Source.Login.Username) != ""),
		)
	}
	if !reflect.DeepEqual(redactFormatter(oldCfg.Formatter), redactFormatter(newCfg.Formatter)) {
		changed = append(changed, "formatter")
		attrs = append(attrs,
			logx.String("formatter.provider", newCfg.Formatter.Provider),
			logx.String("formatter.model", newCfg.Formatter.Model),
			logx.Bool("formatter.api_key_set", strings.TrimSpace(newCfg.Formatter.APIKey) != ""),
		)
	}
	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.Enabled),
			logx.String("poller.dense_every", newCfg.Poller.DenseEvery),
			logx.String("poller.sparse_every", newCfg.Poller.SparseEvery),
		)
	}
	if oldCfg.Distribution != newCfg.Distribution {
		changed = append(changed, "distribution")
		attrs = append(attrs,
			logx.Int("distribution.batch_size", newCfg.Distribution.BatchSize),
			logx.Int("distribution.chunk_size", newCfg.Distribution.ChunkSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}
	return changed, attrs
}

func redactSource(s SourceConfig) SourceConfig {
	s.Login.Password = ""
	return s
}

func redactFormatter(f FormatterConfig) FormatterConfig {
	f.APIKey = ""
	return f
}
