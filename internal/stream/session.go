package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"nprelay/internal/nowplaying"
	"nprelay/pkg/logx"
)

// Session turns the events of one connection into announced records.
// The change filter is borrowed from the caller so the baseline survives
// reconnects.
type Session struct {
	Channel string
	Decoder *nowplaying.Decoder
	Filter  *nowplaying.ChangeFilter
	Log     logx.Logger

	// Counters for the last Consume call.
	Events   int
	Decoded  int
	Emitted  int
	Skipped  int
	LastData string
}

func NewSession(channel string, dec *nowplaying.Decoder, filter *nowplaying.ChangeFilter, log logx.Logger) *Session {
	if dec == nil {
		dec = nowplaying.NewDecoder()
	}
	if filter == nil {
		filter = &nowplaying.ChangeFilter{}
	}
	return &Session{Channel: channel, Decoder: dec, Filter: filter, Log: log}
}

// Consume reads src until it ends and calls emit for every record that
// differs from the previous one. It returns ErrCleanClose when the server
// closed the stream, a *ConnectionError on transport failure, or ctx.Err()
// when ctx was cancelled. Malformed events are logged and skipped.
func (s *Session) Consume(ctx context.Context, src EventSource, emit func(nowplaying.Record)) error {
	s.Events, s.Decoded, s.Emitted, s.Skipped = 0, 0, 0, 0

	// Unblock a pending Next when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	for {
		ev, err := src.Next()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrEventTooLarge) {
			s.Skipped++
			s.Log.Warn("oversized event skipped", logx.Int("limit", maxEventLine))
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrCleanClose
			}
			var ce *ConnectionError
			if errors.As(err, &ce) {
				return err
			}
			return &ConnectionError{Op: "read", Err: err}
		}

		s.Events++
		np, ok, err := ExtractNowPlaying([]byte(ev.Data), s.Channel)
		if err != nil {
			s.Skipped++
			s.Log.Warn("invalid event payload", logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		s.LastData = ev.Data

		rec, err := s.Decoder.Decode(np)
		if err != nil {
			s.Skipped++
			s.Log.Warn("cannot decode now-playing data", logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		s.Decoded++

		if !s.Filter.ShouldEmit(rec) {
			s.Log.Trace("now playing unchanged", logx.String("track", rec.Track))
			continue
		}
		s.Emitted++
		if emit != nil {
			emit(rec)
		}
	}
}

type envelope struct {
	Connect *struct {
		Subs map[string]struct {
			Publications []publication `json:"publications"`
		} `json:"subs"`
	} `json:"connect"`
	Channel string       `json:"channel"`
	Pub     *publication `json:"pub"`
}

type publication struct {
	Data struct {
		NP json.RawMessage `json:"np"`
	} `json:"data"`
}

// ExtractNowPlaying pulls the np object out of a recovery or incremental
// envelope. ok is false for events that carry no np (keep-alives, empty
// data, unrelated messages). err is non-nil only for invalid JSON.
func ExtractNowPlaying(data []byte, channel string) (np json.RawMessage, ok bool, err error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, err
	}

	if env.Connect != nil && len(env.Connect.Subs) > 0 {
		sub, found := env.Connect.Subs[channel]
		if !found && len(env.Connect.Subs) == 1 {
			for _, only := range env.Connect.Subs {
				sub, found = only, true
			}
		}
		if !found || len(sub.Publications) == 0 {
			return nil, false, nil
		}
		np = sub.Publications[0].Data.NP
		return np, hasValue(np), nil
	}

	if env.Channel != "" && env.Pub != nil {
		np = env.Pub.Data.NP
		return np, hasValue(np), nil
	}
	return nil, false, nil
}

func hasValue(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}
