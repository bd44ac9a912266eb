package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Byte sizes are humanized strings (e.g. "64MB", "512KiB").
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Directory DirectoryConfig `json:"directory"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Web       WebConfig       `json:"web"`
	Telegram  TelegramConfig  `json:"telegram"`
	Notify    NotifyConfig    `json:"notify"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

// GatewayConfig addresses the messaging gateway.
//
// Defaults:
//   - timeout: "30s"
//   - rate_per_sec: 0 (no pacing)
//   - max_error_body: 512
type GatewayConfig struct {
	BaseURL      string  `json:"base_url" validate:"required,http_url"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst        int     `json:"burst,omitempty" validate:"gte=0"`
	MaxErrorBody int     `json:"max_error_body,omitempty" validate:"gte=0"`
}

// DirectoryConfig selects where recipient group ids come from.
//
// Example (sheets):
//
//	"directory": {
//	  "source": "sheets",
//	  "credentials_file": "./credentials.json",
//	  "spreadsheet": "https://docs.google.com/spreadsheets/d/<id>/edit",
//	  "worksheet": "GroupIDs"
//	}
type DirectoryConfig struct {
	Source          string   `json:"source,omitempty" validate:"omitempty,oneof=sheets static"`
	CredentialsFile string   `json:"credentials_file,omitempty" validate:"required_if=Source sheets"`
	Spreadsheet     string   `json:"spreadsheet,omitempty" validate:"required_if=Source sheets"`
	Worksheet       string   `json:"worksheet,omitempty"`
	Column          string   `json:"column,omitempty" validate:"omitempty,alpha,max=3"`
	Static          []string `json:"static,omitempty" validate:"required_if=Source static"`

	// CacheTTL defaults to "5m" when omitted. "0s" disables caching.
	CacheTTL string `json:"cache_ttl,omitempty"`
	// RefreshSchedule is an optional cron spec (seconds field optional) for proactive refresh.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	FetchTimeout    string `json:"fetch_timeout,omitempty"`
}

// DispatchConfig controls the run service.
//
// Defaults:
//   - concurrency: 1 (sequential text sends)
//   - workers: 1
//   - queue_size: 16
//   - history_size: 100
//   - history_ttl: "24h"
type DispatchConfig struct {
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	Workers     int    `json:"workers,omitempty" validate:"gte=0,lte=16"`
	QueueSize   int    `json:"queue_size,omitempty" validate:"gte=0"`
	HistorySize int    `json:"history_size,omitempty" validate:"gte=0"`
	HistoryTTL  string `json:"history_ttl,omitempty"`
}

// WebConfig controls the operator HTTP surface.
//
// Security note: there is no authentication; bind to localhost or put it behind a proxy.
type WebConfig struct {
	Addr         string `json:"addr,omitempty"`
	MaxUpload    string `json:"max_upload,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// TelegramConfig configures the optional operator chat used for summaries and log forwarding.
// An empty token disables Telegram entirely.
type TelegramConfig struct {
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// ChatID is the operator chat. ThreadID selects a forum topic (0 = none).
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty" validate:"gte=0"`
}

// NotifyConfig controls run-summary notifications.
type NotifyConfig struct {
	Enabled    bool `json:"enabled"`
	OnlyFailed bool `json:"only_failed,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty" validate:"gte=0"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig controls persistence of the recipient cache.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/groupcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
