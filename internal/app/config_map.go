package app

import (
	"strings"
	"time"

	"nprelay/internal/config"
	"nprelay/internal/notifier"
	"nprelay/internal/nowplaying"
	"nprelay/internal/runner"
	"nprelay/internal/storage"
	"nprelay/pkg/logx"
)

// The map* helpers run on validated configs, so malformed durations have
// already been rejected and fall back to defaults here.

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second),
	}, true
}

func mapRunnerConfig(cfg *config.Config) runner.Config {
	def := runner.DefaultConfig()
	rc := cfg.Runner
	out := runner.Config{
		InitialBackoff: config.DurationOr(rc.InitialBackoff, def.InitialBackoff),
		MaxBackoff:     config.DurationOr(rc.MaxBackoff, def.MaxBackoff),
		Multiplier:     rc.Multiplier,
		MaxRetries:     rc.MaxRetries,
		MinDelay:       config.DurationOr(rc.MinDelay, def.MinDelay),
		PollInterval:   config.DurationOr(rc.PollInterval, def.PollInterval),
	}
	if out.Multiplier == 0 {
		out.Multiplier = def.Multiplier
	}
	return out
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:       n.Enabled,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     config.DurationOr(n.RetryBase, time.Second),
		RetryMaxDelay: config.DurationOr(n.RetryMaxDelay, 30*time.Second),
		SendTimeout:   config.DurationOr(n.SendTimeout, 10*time.Second),

		WorkerRestarts: n.WorkerRestarts,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
		},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapDecoder(cfg *config.Config) *nowplaying.Decoder {
	d := nowplaying.NewDecoder()
	dc := cfg.Decoder
	if s := strings.TrimSpace(dc.DefaultDJ); s != "" {
		d.DefaultDJ = s
	}
	if loc := location(dc.Timezone); loc != nil {
		d.Location = loc
	}
	if dc.SwapStreamers != nil {
		d.Quirks.SwapStreamers = dc.SwapStreamers
	}
	if dc.SplitTitleAlbum != nil {
		d.Quirks.SplitTitleAlbum = *dc.SplitTitleAlbum
	}
	return d
}

func location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil
	}
	return loc
}
