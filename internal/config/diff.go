package config

import (
	"reflect"
	"sort"
	"strings"

	"nprelay/pkg/logx"
)

// Sections that can only take effect after a restart.
var restartSections = map[string]bool{
	"station": true,
	"runner":  true,
	"decoder": true,
	"storage": true,
	"status":  true,
}

// SummarizeConfigChange returns the sorted names of changed sections, log
// fields describing them (never secrets), and the subset of changed
// sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Station != newCfg.Station {
		changed = append(changed, "station")
		attrs = append(attrs,
			logx.String("station.server", newCfg.Station.Server),
			logx.String("station.shortcode", newCfg.Station.Shortcode),
		)
	}
	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.initial_backoff", newCfg.Runner.InitialBackoff),
			logx.String("runner.max_backoff", newCfg.Runner.MaxBackoff),
			logx.Int("runner.max_retries", newCfg.Runner.MaxRetries),
		)
	}
	if !reflect.DeepEqual(oldCfg.Decoder, newCfg.Decoder) {
		changed = append(changed, "decoder")
		attrs = append(attrs, logx.String("decoder.timezone", newCfg.Decoder.Timezone))
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	// Secrets are summarized as set/unset only.
	if oldCfg.Discord != newCfg.Discord {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.webhook_set", strings.TrimSpace(newCfg.Discord.WebhookURL) != ""),
			logx.String("discord.username", newCfg.Discord.Username),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.String("status.schedule", newCfg.Status.Schedule),
			logx.Bool("status.systemd", newCfg.Status.Systemd),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
