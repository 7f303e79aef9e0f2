package notifier

import (
	"context"
	"fmt"

	"nprelay/internal/nowplaying"
	"nprelay/pkg/logx"
)

// CardFor renders a record as an announcement:
//
//	title:       {track}
//	description: from _{album}_ by {artist} ({duration})   or   {artist} ({duration})
func CardFor(r nowplaying.Record) Card {
	c := Card{
		Title:        r.Track,
		Description:  Description(r),
		ThumbnailURL: r.ArtworkURL,
		Live:         r.Live,
		DJ:           r.DJ,
		Artist:       r.Artist,
		Album:        r.Album,
		Clock:        r.DurationClock(),
	}
	if r.Start.Unix() > 0 {
		c.Timestamp = r.Start
	}
	return c
}

func Description(r nowplaying.Record) string {
	if r.Album != "" {
		return fmt.Sprintf("from _%s_ by %s (%s)", r.Album, r.Artist, r.DurationClock())
	}
	return fmt.Sprintf("%s (%s)", r.Artist, r.DurationClock())
}

// LogSink writes cards to the log. It is used when no chat sink is
// configured.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, c Card) error {
	fields := []logx.Field{logx.String("title", c.Title), logx.String("description", c.Description)}
	if c.Live {
		fields = append(fields, logx.String("dj", c.DJ), logx.Bool("live", true))
	}
	s.Log.Info("now playing card", fields...)
	return nil
}
