package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvWebhook   = "NOW_PLAYING_WEBHOOK"
	EnvTelegram  = "TELEGRAM_TOKEN"
	EnvLogLevel  = "LOG_LEVEL"
	EnvServer    = "NPRELAY_SERVER"
	EnvShortcode = "NPRELAY_SHORTCODE"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvLookup returns a lookup that prefers the process environment and falls
// back to the values in a dotenv file. A missing file is not an error.
func EnvLookup(dotenvPath string) (LookupFunc, error) {
	file := map[string]string{}
	if strings.TrimSpace(dotenvPath) != "" {
		m, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if m != nil {
			file = m
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

// ApplyEnv overlays environment overrides onto cfg. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if cfg == nil || lookup == nil {
		return
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvWebhook, &cfg.Discord.WebhookURL)
	set(EnvTelegram, &cfg.Telegram.Token)
	set(EnvLogLevel, &cfg.Logging.Level)
	set(EnvServer, &cfg.Station.Server)
	set(EnvShortcode, &cfg.Station.Shortcode)
}
