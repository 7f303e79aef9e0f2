package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var validLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true,
	"warning": true, "error": true, "critical": true, "fatal": true,
}

// Validate reports every problem in cfg at once.
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
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Station.Server) == "" {
		add(errors.New("station.server is required"))
	}
	if strings.TrimSpace(cfg.Station.Shortcode) == "" {
		add(errors.New("station.shortcode is required"))
	}
	dur("station.connect_timeout", cfg.Station.ConnectTimeout)

	r := cfg.Runner
	dur("runner.initial_backoff", r.InitialBackoff)
	dur("runner.max_backoff", r.MaxBackoff)
	dur("runner.min_delay", r.MinDelay)
	dur("runner.poll_interval", r.PollInterval)
	if r.Multiplier != 0 && r.Multiplier < 1 {
		add(fmt.Errorf("runner.multiplier must be >= 1, got %v", r.Multiplier))
	}
	if r.MaxRetries < 0 {
		add(fmt.Errorf("runner.max_retries must be >= 0, got %d", r.MaxRetries))
	}
	initB, _ := ParseDurationField("runner.initial_backoff", r.InitialBackoff)
	maxB, _ := ParseDurationField("runner.max_backoff", r.MaxBackoff)
	if initB > 0 && maxB > 0 && maxB < initB {
		add(fmt.Errorf("runner.max_backoff (%s) is below initial_backoff (%s)", maxB, initB))
	}

	if tz := strings.TrimSpace(cfg.Decoder.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("decoder.timezone: %w", err))
		}
	}

	n := cfg.Notifier
	dur("notifier.retry_base", n.RetryBase)
	dur("notifier.retry_max_delay", n.RetryMaxDelay)
	dur("notifier.send_timeout", n.SendTimeout)
	if n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.WorkerRestarts < 0 {
		add(errors.New("notifier: counts and rates must be >= 0"))
	}

	if u := strings.TrimSpace(cfg.Discord.WebhookURL); u != "" &&
		!strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		add(errors.New("discord.webhook_url must be an http(s) URL"))
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required when a token is set"))
	}

	if !validLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !validLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Chat.MinLevel))] {
		add(fmt.Errorf("logging.chat.min_level: unknown level %q", cfg.Logging.Chat.MinLevel))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if spec := strings.TrimSpace(cfg.Status.Schedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("status.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}
