package app

import (
	"context"
	"strings"
	"time"

	"nprelay/internal/config"
	"nprelay/internal/eventbus"
	"nprelay/pkg/logx"
)

// reloadLoop applies published configs. Logging, notifier and sink
// settings take effect live; the rest waits for a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if changed(sections, "discord", "telegram") {
		sinks, chat, err := buildSinks(newCfg, a.logs.Logger())
		if err != nil {
			a.log.Warn("invalid sink config; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSinks(sinks)
			a.logs.SetChatSender(chat)
		}
	}

	if changed(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if changed(sections, "notifier") {
		prev := a.notif.Enabled()
		ncfg := mapNotifierConfig(newCfg)
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.bgCtx)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func changed(sections []string, names ...string) bool {
	for _, s := range sections {
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}
