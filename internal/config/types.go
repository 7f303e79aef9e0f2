// Package config loads, validates and hot-reloads the relay configuration.
//
// Files are JSON or YAML (by extension) and are decoded strictly: unknown
// keys and trailing data are errors. Durations are Go duration strings.
package config

// Config is the on-disk configuration.
type Config struct {
	Station  StationConfig  `json:"station"`
	Runner   RunnerConfig   `json:"runner"`
	Decoder  DecoderConfig  `json:"decoder"`
	Notifier NotifierConfig `json:"notifier"`
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Status   StatusConfig   `json:"status"`
}

// StationConfig identifies the AzuraCast feed.
//
// Example:
//
//	"station": { "server": "radio.example.com", "shortcode": "main" }
type StationConfig struct {
	Server    string `json:"server"`
	Shortcode string `json:"shortcode"`
	// Channel overrides the subscription key; default "station:{shortcode}".
	Channel string `json:"channel,omitempty"`
	// ConnectTimeout bounds dialing and response headers, not the stream.
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// RunnerConfig controls reconnect pacing.
//
// Defaults: initial_backoff "1s", max_backoff "300s", multiplier 2,
// max_retries 0 (unlimited), min_delay "1s", poll_interval "500ms".
type RunnerConfig struct {
	InitialBackoff string  `json:"initial_backoff,omitempty"`
	MaxBackoff     string  `json:"max_backoff,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
	MinDelay       string  `json:"min_delay,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
}

type DecoderConfig struct {
	DefaultDJ string `json:"default_dj,omitempty"`
	// Timezone is an IANA name used for track start times; empty means local.
	Timezone        string   `json:"timezone,omitempty"`
	SwapStreamers   []string `json:"swap_streamers,omitempty"`
	SplitTitleAlbum *bool    `json:"split_title_album,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	// WorkerRestarts bounds restarts of a crashed delivery worker; 0 is unlimited.
	WorkerRestarts int `json:"worker_restarts,omitempty"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"` // secret; NOW_PLAYING_WEBHOOK overrides
	Username   string `json:"username,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"` // secret; TELEGRAM_TOKEN overrides
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// LoggingChat forwards warnings and errors to the chat sinks.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig enables the delivery journal. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./nprelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type StatusConfig struct {
	// Schedule is a cron spec; empty disables the periodic summary.
	Schedule string `json:"schedule,omitempty"`
	Systemd  bool   `json:"systemd,omitempty"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	split := true
	return &Config{
		Runner: RunnerConfig{
			InitialBackoff: "1s",
			MaxBackoff:     "300s",
			Multiplier:     2,
			MinDelay:       "1s",
			PollInterval:   "500ms",
		},
		Decoder: DecoderConfig{
			DefaultDJ:       "Spud the Ambient Robot",
			SwapStreamers:   []string{"Cypress Rosewood"},
			SplitTitleAlbum: &split,
		},
		Notifier: NotifierConfig{
			Enabled:       true,
			QueueSize:     64,
			RatePerSec:    1,
			RetryMax:      3,
			RetryBase:     "1s",
			RetryMaxDelay: "30s",
			SendTimeout:   "10s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "nprelay.log", MaxSizeMB: 10, MaxBackups: 5},
			Chat:    LoggingChat{MinLevel: "error", RatePerSec: 1},
		},
		Status: StatusConfig{Schedule: "@every 15m"},
	}
}

// ChannelKey is the subscription key used to pick the recovery publication.
func (c *Config) ChannelKey() string {
	if c.Station.Channel != "" {
		return c.Station.Channel
	}
	return "station:" + c.Station.Shortcode
}
