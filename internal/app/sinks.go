package app

import (
	"context"
	"errors"
	"strings"

	"nprelay/internal/config"
	"nprelay/internal/notifier"
	"nprelay/internal/transport/discord"
	"nprelay/internal/transport/telegram"
	"nprelay/pkg/logx"
)

type chatSink interface {
	notifier.Sink
	logx.ChatSender
}

// buildSinks returns the configured chat sinks. With none configured the
// cards go to the log.
func buildSinks(cfg *config.Config, log logx.Logger) ([]notifier.Sink, logx.ChatSender, error) {
	var chats []chatSink

	if u := strings.TrimSpace(cfg.Discord.WebhookURL); u != "" {
		w, err := discord.New(discord.Config{
			WebhookURL: u,
			Username:   cfg.Discord.Username,
			Timeout:    config.DurationOr(cfg.Notifier.SendTimeout, 0),
		}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, nil, err
		}
		chats = append(chats, w)
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Offline:  true,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, nil, err
		}
		chats = append(chats, tg)
	}

	if len(chats) == 0 {
		return []notifier.Sink{notifier.LogSink{Log: log.With(logx.String("comp", "cards"))}}, nil, nil
	}
	sinks := make([]notifier.Sink, 0, len(chats))
	for _, c := range chats {
		sinks = append(sinks, c)
	}
	return sinks, chatFanout(chats), nil
}

// chatFanout sends log lines to every chat sink.
type chatFanout []chatSink

func (f chatFanout) SendText(ctx context.Context, text string) error {
	var errs []error
	for _, c := range f {
		errs = append(errs, c.SendText(ctx, text))
	}
	return errors.Join(errs...)
}
