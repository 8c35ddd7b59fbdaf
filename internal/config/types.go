package config

// Config is the on-disk configuration (JSON, JSONC or YAML).
//
// Durations are Go duration strings ("500ms", "2s", "10m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Source       SourceConfig       `json:"source"`
	Formatter    FormatterConfig    `json:"formatter"`
	Poller       PollerConfig       `json:"poller"`
	Distribution DistributionConfig `json:"distribution"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	HTTP         HTTPConfig         `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
	// Welcome is sent when the bot joins a group or a user opens a private chat.
	// Empty uses the built-in text.
	Welcome string `json:"welcome,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SourceConfig describes the monitored forum.
//
// Example:
//
//	"source": {
//	  "base_url": "https://forum.example.com",
//	  "monitor_url": "https://forum.example.com/whats-new/posts/",
//	  "selectors": [".contentRow-title a[href*=\"/threads/\"]"]
//	}
type SourceConfig struct {
	BaseURL    string `json:"base_url"`
	MonitorURL string `json:"monitor_url"`
	// FeedURL switches detection to an RSS/Atom feed when set.
	FeedURL   string `json:"feed_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	Login LoginConfig `json:"login,omitempty"`

	// Selectors are tried in order; the first match wins.
	Selectors       []string `json:"selectors,omitempty"`
	ContentSelector string   `json:"content_selector,omitempty"`

	// ReadabilityFallback tries article detection when ContentSelector
	// matches nothing. Off by default: a login wall would pass as a post.
	ReadabilityFallback bool        `json:"readability_fallback,omitempty"`
	Retry               RetryConfig `json:"retry,omitempty"`
}

// LoginConfig enables the forum login sequence when Username is set.
type LoginConfig struct {
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"` // never logged
	LoginSelector    string `json:"login_selector,omitempty"`
	UsernameSelector string `json:"username_selector,omitempty"`
	PasswordSelector string `json:"password_selector,omitempty"`
	KeystrokeDelay   string `json:"keystroke_delay,omitempty"`
	WaitTimeout      string `json:"wait_timeout,omitempty"`
}

type RetryConfig struct {
	Attempts int    `json:"attempts,omitempty"`
	Delay    string `json:"delay,omitempty"`
}

// FormatterConfig selects the text rewriting backend.
//
// Provider values:
//   - "openai": any OpenAI-compatible chat completions endpoint
//   - "passthrough": raw extracted text is distributed as-is
type FormatterConfig struct {
	Provider     string  `json:"provider"`
	BaseURL      string  `json:"base_url,omitempty"`
	APIKey       string  `json:"api_key,omitempty"` // never logged
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
}

// PollerConfig controls the adaptive polling cadence.
//
// Defaults: anchor_minute 0, window "5m", dense_every "1m", sparse_every "10m".
type PollerConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	AnchorMinute int    `json:"anchor_minute,omitempty"`
	Window       string `json:"window,omitempty"`
	DenseEvery   string `json:"dense_every,omitempty"`
	SparseEvery  string `json:"sparse_every,omitempty"`
	InitialRun   bool   `json:"initial_run,omitempty"`
	RunTimeout   string `json:"run_timeout,omitempty"`
}

// DistributionConfig controls batching and pacing.
//
// Defaults: batch_size 10, chunk_size 2000, message_delay "500ms", batch_delay "2s".
type DistributionConfig struct {
	BatchSize    int    `json:"batch_size,omitempty"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	MessageDelay string `json:"message_delay,omitempty"`
	BatchDelay   string `json:"batch_delay,omitempty"`
	// RatePerSec caps sends across all recipients. 0 disables the cap.
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	HeaderTitle string `json:"header_title,omitempty"`
}

// StorageConfig controls persistence of recipients, the last post and audit.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/patchwatch" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig controls the operator HTTP API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // bearer token for POST endpoints (never logged)
	Pprof   bool   `json:"pprof,omitempty"` // mount /debug/pprof on the same listener
}
