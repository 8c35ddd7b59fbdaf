package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration parses the duration option at path. Empty means zero, a bare
// number such as "30" counts as seconds, and negative values are rejected.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > math.MaxInt64/int64(time.Second) || n < math.MinInt64/int64(time.Second) {
			return 0, fmt.Errorf("%s: %q seconds is out of range", path, raw)
		}
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	return d, nil
}

// DurationOr is Duration with def standing in for an unset or zero value.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate rejects configs that would fail later at runtime. It runs on
// startup and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := Duration(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	src := cfg.Source
	if strings.TrimSpace(src.MonitorURL) == "" && strings.TrimSpace(src.FeedURL) == "" {
		add(errors.New("source: monitor_url or feed_url is required"))
	}
	for path, raw := range map[string]string{
		"source.base_url":    src.BaseURL,
		"source.monitor_url": src.MonitorURL,
		"source.feed_url":    src.FeedURL,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("%s: invalid absolute url %q", path, raw))
		}
	}
	dur("source.timeout", src.Timeout)
	dur("source.login.keystroke_delay", src.Login.KeystrokeDelay)
	dur("source.login.wait_timeout", src.Login.WaitTimeout)
	dur("source.retry.delay", src.Retry.Delay)
	if src.Retry.Attempts < 0 {
		add(errors.New("source.retry.attempts must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Formatter.Provider)) {
	case "", "openai", "passthrough":
	default:
		add(fmt.Errorf("formatter.provider: unknown %q", cfg.Formatter.Provider))
	}
	if cfg.Formatter.MaxTokens < 0 {
		add(errors.New("formatter.max_tokens must be >= 0"))
	}
	dur("formatter.timeout", cfg.Formatter.Timeout)

	p := cfg.Poller
	if p.AnchorMinute < 0 || p.AnchorMinute > 59 {
		add(fmt.Errorf("poller.anchor_minute must be within 0..59, got %d", p.AnchorMinute))
	}
	dur("poller.window", p.Window)
	dur("poller.dense_every", p.DenseEvery)
	dur("poller.sparse_every", p.SparseEvery)
	dur("poller.run_timeout", p.RunTimeout)
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("poller.timezone: invalid %q: %w", tz, err))
		}
	}

	d := cfg.Distribution
	if d.BatchSize < 0 {
		add(errors.New("distribution.batch_size must be >= 0"))
	}
	if d.ChunkSize < 0 || d.ChunkSize > 4096 {
		add(errors.New("distribution.chunk_size must be within 0..4096"))
	}
	if d.RatePerSec < 0 {
		add(errors.New("distribution.rate_per_sec must be >= 0"))
	}
	dur("distribution.message_delay", d.MessageDelay)
	dur("distribution.batch_delay", d.BatchDelay)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	return errors.Join(errs...)
}
