package app

import (
	"strings"
	"testing"
	"time"

	"patchwatch/internal/config"
	"patchwatch/internal/httpapi"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/retry"
	"patchwatch/internal/source"
	logx "patchwatch/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			BaseURL:    "https://forum.example.com",
			MonitorURL: "https://forum.example.com/whats-new/posts/",
		},
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		storage *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr string
	}{
		{name: "nil section", storage: nil, driver: ""},
		{name: "none", storage: &config.StorageConfig{Driver: "none"}, driver: "memory"},
		{name: "file", storage: &config.StorageConfig{Driver: "File", Path: "./data"}, driver: "file"},
		{name: "file without path", storage: &config.StorageConfig{Driver: "file"}, wantErr: "storage.path"},
		{name: "sqlite default busy", storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", storage: &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, driver: "sqlite3", busy: 3 * time.Second},
		{name: "sqlite bad busy", storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: "storage.busy_timeout"},
		{name: "unknown", storage: &config.StorageConfig{Driver: "redis"}, wantErr: "unknown storage.driver"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.Storage = tt.storage
			got, err := mapStorageConfig(cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err=%v want contains %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got.Driver != tt.driver || got.BusyTimeout != tt.busy {
				t.Fatalf("got %+v want driver=%q busy=%v", got, tt.driver, tt.busy)
			}
		})
	}
}

func TestMapSourceConfigFeedSwitch(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Source.Selectors = []string{".a", ".b"}
	sc, err := mapSourceConfig(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Poller.TargetURL != cfg.Source.MonitorURL || len(sc.Poller.Strategies) != 2 {
		t.Fatalf("selector mode: target=%q strategies=%d", sc.Poller.TargetURL, len(sc.Poller.Strategies))
	}
	if sc.Poller.Retry.Attempts != retry.DefaultAttempts || sc.Poller.Retry.Delay != retry.DefaultDelay {
		t.Fatalf("retry defaults: %+v", sc.Poller.Retry)
	}

	cfg.Source.FeedURL = "https://forum.example.com/forums/-/index.rss"
	sc, err = mapSourceConfig(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("map feed: %v", err)
	}
	if sc.Poller.TargetURL != cfg.Source.FeedURL {
		t.Fatalf("feed target=%q", sc.Poller.TargetURL)
	}
	if len(sc.Poller.Strategies) != 1 {
		t.Fatalf("feed strategies=%d", len(sc.Poller.Strategies))
	}
	if _, ok := sc.Poller.Strategies[0].(source.FeedStrategy); !ok {
		t.Fatalf("feed strategy type %T", sc.Poller.Strategies[0])
	}
}

func TestMapPipelineConfigReadabilityOptIn(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	pc, err := mapPipelineConfig(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(pc.Extractors) != 1 {
		t.Fatalf("default extractors=%d, want selector only", len(pc.Extractors))
	}
	if _, ok := pc.Extractors[0].(pipeline.SelectorExtractor); !ok {
		t.Fatalf("extractor type %T", pc.Extractors[0])
	}

	cfg.Source.ReadabilityFallback = true
	pc, err = mapPipelineConfig(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("map fallback: %v", err)
	}
	if len(pc.Extractors) != 2 {
		t.Fatalf("fallback extractors=%d", len(pc.Extractors))
	}
	if _, ok := pc.Extractors[1].(pipeline.ReadabilityExtractor); !ok {
		t.Fatalf("fallback type %T", pc.Extractors[1])
	}
}

func TestMapFanoutConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Distribution = config.DistributionConfig{
		BatchSize:    5,
		ChunkSize:    1000,
		MessageDelay: "250ms",
		BatchDelay:   "1s",
		RatePerSec:   20,
		HeaderTitle:  "Patch!",
	}
	fc, err := mapFanoutConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if fc.BatchSize != 5 || fc.ChunkSize != 1000 || fc.MessageDelay != 250*time.Millisecond ||
		fc.BatchDelay != time.Second || fc.RatePerSec != 20 || fc.HeaderTitle != "Patch!" {
		t.Fatalf("got %+v", fc)
	}

	cfg.Distribution.BatchDelay = "-1s"
	if _, err := mapFanoutConfig(cfg); err == nil {
		t.Fatalf("expected error for negative batch delay")
	}
}

func TestPollPlan(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Poller = config.PollerConfig{
		Enabled:      true,
		Timezone:     "UTC",
		AnchorMinute: 30,
		Window:       "10m",
		DenseEvery:   "1m",
		SparseEvery:  "15m",
	}
	ad, loc, err := PollPlan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if loc.String() != "UTC" {
		t.Fatalf("loc=%s", loc)
	}
	if ad.AnchorMinute != 30 || ad.Window != 10*time.Minute || ad.DenseEvery != time.Minute || ad.SparseEvery != 15*time.Minute {
		t.Fatalf("adaptive=%+v", ad)
	}

	ps, err := mapPollSchedule(cfg)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ps.RunTimeout != defaultRunTimeout || !ps.Service.Enabled {
		t.Fatalf("schedule=%+v", ps)
	}

	cfg.Poller.Timezone = "Mars/Olympus"
	if _, _, err := PollPlan(cfg); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}

func TestLogTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		thread int
		ok     bool
		id     int64
	}{
		{name: "unset", raw: "", ok: false},
		{name: "not numeric", raw: "@ops", ok: false},
		{name: "supergroup", raw: " -1001234 ", thread: 7, ok: true, id: -1001234},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.Telegram.GroupLog = tt.raw
			cfg.Logging.Telegram.ThreadID = tt.thread
			id, thread, ok := logTarget(cfg)
			if ok != tt.ok || id != tt.id || (ok && thread != tt.thread) {
				t.Fatalf("got (%d,%d,%v) want (%d,%d,%v)", id, thread, ok, tt.id, tt.thread, tt.ok)
			}
		})
	}
}

func TestMapHTTPConfigDefaultsAddr(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.HTTP = config.HTTPConfig{Enabled: true, Token: "s3cret"}
	hc := mapHTTPConfig(cfg)
	if hc.Addr != httpapi.DefaultAddr || hc.Token != "s3cret" {
		t.Fatalf("got %+v", hc)
	}
}

func TestValidateMappedJoinsErrors(t *testing.T) {
	t.Parallel()

	if err := validateMapped(baseConfig()); err != nil {
		t.Fatalf("base config: %v", err)
	}

	cfg := baseConfig()
	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	cfg.Distribution.MessageDelay = "fast"
	err := validateMapped(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"storage.path", "distribution.message_delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v missing %q", err, want)
		}
	}
}
