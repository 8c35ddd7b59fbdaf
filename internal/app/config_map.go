package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"patchwatch/internal/config"
	"patchwatch/internal/fanout"
	"patchwatch/internal/formatter"
	"patchwatch/internal/httpapi"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/retry"
	"patchwatch/internal/schedule"
	"patchwatch/internal/source"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultRunTimeout  = 10 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. ok is false when it is unset or not numeric.
func logTarget(cfg *config.Config) (chatID int64, threadID int, ok bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return id, cfg.Logging.Telegram.ThreadID, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetry(cfg *config.Config, log logx.Logger) (retry.Policy, error) {
	delay, err := config.DurationOr("source.retry.delay", cfg.Source.Retry.Delay, retry.DefaultDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	attempts := cfg.Source.Retry.Attempts
	if attempts <= 0 {
		attempts = retry.DefaultAttempts
	}
	return retry.Policy{Attempts: attempts, Delay: delay, Log: log}, nil
}

// sourceConfigs is everything the detector and the builder need from "source".
type sourceConfigs struct {
	HTTP   source.HTTPConfig
	Login  source.LoginConfig
	Poller source.PollerConfig
}

func mapSourceConfig(cfg *config.Config, log logx.Logger) (sourceConfigs, error) {
	src := cfg.Source
	timeout, err := config.Duration("source.timeout", src.Timeout)
	if err != nil {
		return sourceConfigs{}, err
	}
	keystroke, err := config.Duration("source.login.keystroke_delay", src.Login.KeystrokeDelay)
	if err != nil {
		return sourceConfigs{}, err
	}
	wait, err := config.Duration("source.login.wait_timeout", src.Login.WaitTimeout)
	if err != nil {
		return sourceConfigs{}, err
	}
	pol, err := mapRetry(cfg, log)
	if err != nil {
		return sourceConfigs{}, err
	}

	target := strings.TrimSpace(src.MonitorURL)
	strategies := source.SelectorStrategies(src.Selectors)
	if feed := strings.TrimSpace(src.FeedURL); feed != "" {
		target = feed
		strategies = []source.Strategy{source.FeedStrategy{}}
	}

	return sourceConfigs{
		HTTP: source.HTTPConfig{UserAgent: src.UserAgent, Timeout: timeout},
		Login: source.LoginConfig{
			Username:         src.Login.Username,
			Password:         src.Login.Password,
			LoginSelector:    src.Login.LoginSelector,
			UsernameSelector: src.Login.UsernameSelector,
			PasswordSelector: src.Login.PasswordSelector,
			KeystrokeDelay:   keystroke,
			WaitTimeout:      wait,
		},
		Poller: source.PollerConfig{TargetURL: target, Strategies: strategies, Retry: pol},
	}, nil
}

func mapFormatterConfig(cfg *config.Config) (formatter.Config, error) {
	f := cfg.Formatter
	timeout, err := config.Duration("formatter.timeout", f.Timeout)
	if err != nil {
		return formatter.Config{}, err
	}
	return formatter.Config{
		Provider:    f.Provider,
		BaseURL:     f.BaseURL,
		APIKey:      f.APIKey,
		Model:       f.Model,
		MaxTokens:   f.MaxTokens,
		Temperature: f.Temperature,
		Timeout:     timeout,
	}, nil
}

func mapPipelineConfig(cfg *config.Config, log logx.Logger) (pipeline.Config, error) {
	pol, err := mapRetry(cfg, log)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Instructions: cfg.Formatter.Instructions,
		Extractors:   pipeline.DefaultExtractors(cfg.Source.ContentSelector, cfg.Source.ReadabilityFallback),
		Retry:        pol,
	}, nil
}

func mapFanoutConfig(cfg *config.Config) (fanout.Config, error) {
	d := cfg.Distribution
	msgDelay, err := config.Duration("distribution.message_delay", d.MessageDelay)
	if err != nil {
		return fanout.Config{}, err
	}
	batchDelay, err := config.Duration("distribution.batch_delay", d.BatchDelay)
	if err != nil {
		return fanout.Config{}, err
	}
	return fanout.Config{
		BatchSize:    d.BatchSize,
		ChunkSize:    d.ChunkSize,
		MessageDelay: msgDelay,
		BatchDelay:   batchDelay,
		RatePerSec:   float64(d.RatePerSec),
		HeaderTitle:  d.HeaderTitle,
	}, nil
}

// pollSchedule is the poller section resolved for the scheduler.
type pollSchedule struct {
	Service    schedule.Config
	Adaptive   schedule.Adaptive
	RunTimeout time.Duration
}

func mapPollSchedule(cfg *config.Config) (pollSchedule, error) {
	p := cfg.Poller
	window, err := config.Duration("poller.window", p.Window)
	if err != nil {
		return pollSchedule{}, err
	}
	dense, err := config.Duration("poller.dense_every", p.DenseEvery)
	if err != nil {
		return pollSchedule{}, err
	}
	sparse, err := config.Duration("poller.sparse_every", p.SparseEvery)
	if err != nil {
		return pollSchedule{}, err
	}
	runTimeout, err := config.DurationOr("poller.run_timeout", p.RunTimeout, defaultRunTimeout)
	if err != nil {
		return pollSchedule{}, err
	}
	return pollSchedule{
		Service: schedule.Config{Enabled: p.Enabled, Timezone: p.Timezone},
		Adaptive: schedule.Adaptive{
			AnchorMinute: p.AnchorMinute,
			Window:       window,
			DenseEvery:   dense,
			SparseEvery:  sparse,
		},
		RunTimeout: runTimeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{Addr: addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}
}
