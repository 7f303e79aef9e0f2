// Package runner keeps a now-playing session alive across network failures.
//
// One Run call owns one goroutine: it opens a connection, consumes it until
// it ends, and reconnects with jittered exponential backoff until shutdown is
// requested or the retry ceiling is reached.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nprelay/internal/eventbus"
	"nprelay/internal/nowplaying"
	"nprelay/internal/stream"
	"nprelay/pkg/logx"
)

// ErrRetriesExhausted is recorded when MaxRetries consecutive sessions end
// without decoding a payload.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Exit codes returned by Run.
const (
	ExitShutdown  = 0
	ExitExhausted = 1
)

// ReconnectOnCleanClose is the only policy for a stream the server closed
// without error: it counts as a failure and is retried with backoff.
const ReconnectOnCleanClose = "reconnect_on_clean_close"

// ShutdownFunc reports whether the process has been asked to stop.
type ShutdownFunc func() bool

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseBackoff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseBackoff:
		return "backoff"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a point-in-time view of the runner.
type State struct {
	Phase          Phase
	RetryCount     int
	CurrentBackoff time.Duration
	Sessions       int
	Emitted        int
	SessionID      string
	LastError      string
	LastTrack      string
	ExitCode       int
}

type Options struct {
	Config  Config
	Channel string
	URL     string
	Decoder *nowplaying.Decoder
	// Emit receives every record that passed the change filter. It is called
	// on the runner goroutine and must not block.
	Emit func(nowplaying.Record)
	Bus  eventbus.Bus
	Log  logx.Logger
	Rand func() float64
}

type Runner struct {
	cfg     Config
	opener  stream.Opener
	channel string
	url     string
	decoder *nowplaying.Decoder
	emit    func(nowplaying.Record)
	bus     eventbus.Bus
	log     logx.Logger

	filter  nowplaying.ChangeFilter
	backoff *Backoff

	mu    sync.Mutex
	state State
}

func New(opener stream.Opener, opts Options) *Runner {
	cfg := opts.Config.withDefaults()
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	dec := opts.Decoder
	if dec == nil {
		dec = nowplaying.NewDecoder()
	}
	r := &Runner{
		cfg:     cfg,
		opener:  opener,
		channel: opts.Channel,
		url:     opts.URL,
		decoder: dec,
		emit:    opts.Emit,
		bus:     bus,
		log:     opts.Log,
		backoff: NewBackoff(cfg, opts.Rand),
	}
	r.state.CurrentBackoff = r.backoff.Current()
	return r
}

// Snapshot returns a copy of the current state. Safe from any goroutine.
func (r *Runner) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) update(fn func(s *State)) {
	r.mu.Lock()
	fn(&r.state)
	r.mu.Unlock()
}

// Run blocks until shutdown (returns ExitShutdown) or until MaxRetries
// consecutive sessions end without decoding a payload (returns ExitExhausted). Cancelling ctx counts as
// shutdown and also aborts an in-flight read.
func (r *Runner) Run(ctx context.Context, shutdown ShutdownFunc) int {
	stopping := func() bool {
		return ctx.Err() != nil || (shutdown != nil && shutdown())
	}

	if stopping() {
		return r.stop(ExitShutdown, "shutdown requested before start")
	}

	for {
		r.update(func(s *State) { s.Phase = PhaseConnecting })
		decoded, err := r.session(ctx)

		if stopping() {
			return r.stop(ExitShutdown, "shutdown requested")
		}

		if err == nil {
			err = stream.ErrCleanClose
		}
		if errors.Is(err, stream.ErrCleanClose) {
			r.log.Warn("stream closed by server, reconnecting", logx.String("policy", ReconnectOnCleanClose))
		} else {
			r.log.Warn("stream connection failed", logx.Err(err))
		}

		// A session that delivered at least one payload completed; only
		// sessions that never streamed count toward the ceiling.
		var retries, cleared int
		r.update(func(s *State) {
			s.LastError = err.Error()
			if decoded > 0 {
				cleared = s.RetryCount
				s.RetryCount = 0
			} else {
				s.RetryCount++
			}
			retries = s.RetryCount
		})

		var delay time.Duration
		if decoded > 0 {
			if cleared > 0 {
				r.log.Info("session completed, retry counter reset", logx.Int("after_failures", cleared))
			}
			r.backoff.Reset()
			delay = r.backoff.Delay()
		} else {
			if r.cfg.MaxRetries > 0 && retries >= r.cfg.MaxRetries {
				r.log.Error("giving up", logx.Err(ErrRetriesExhausted), logx.Int("retries", retries), logx.String("last_error", err.Error()))
				return r.stop(ExitExhausted, ErrRetriesExhausted.Error())
			}
			delay = r.backoff.Next()
		}

		r.update(func(s *State) {
			s.Phase = PhaseBackoff
			s.CurrentBackoff = r.backoff.Current()
		})
		r.bus.Publish(eventbus.Event{Type: eventbus.RunnerBackoff, Data: eventbus.BackoffInfo{
			RetryCount: retries,
			Delay:      delay,
			Reason:     err.Error(),
		}})
		r.log.Info("reconnecting after backoff", logx.Duration("delay", delay), logx.Int("retry", retries))

		if r.wait(ctx, delay, stopping) {
			return r.stop(ExitShutdown, "shutdown requested during backoff")
		}
	}
}

// session opens one connection and consumes it. It reports how many payloads
// were decoded; the error is never nil unless Consume misbehaves.
func (r *Runner) session(ctx context.Context) (int, error) {
	sid := uuid.NewString()
	log := r.log.With(logx.String("session_id", sid))

	src, err := r.opener.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	var attempt int
	r.update(func(s *State) {
		attempt = s.RetryCount
		s.Phase = PhaseStreaming
		s.Sessions++
		s.SessionID = sid
	})
	if attempt > 0 {
		log.Info("reconnected", logx.Int("after_failures", attempt))
	} else {
		log.Info("connected", logx.String("url", r.url))
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionOpened, Data: eventbus.SessionInfo{
		SessionID: sid, URL: r.url, Attempt: attempt,
	}})

	sess := stream.NewSession(r.channel, r.decoder, &r.filter, log)
	err = sess.Consume(ctx, src, func(rec nowplaying.Record) {
		r.update(func(s *State) {
			s.Emitted++
			s.LastTrack = rec.Track
		})
		log.Info("now playing", logx.String("track", rec.Track), logx.String("artist", rec.Artist),
			logx.String("album", rec.Album), logx.String("dj", rec.DJ), logx.Bool("live", rec.Live))
		r.bus.Publish(eventbus.Event{Type: eventbus.TrackChanged, Data: eventbus.TrackInfo{
			SessionID: sid, DJ: rec.DJ, Live: rec.Live, Artist: rec.Artist, Track: rec.Track, Album: rec.Album,
		}})
		if r.emit != nil {
			r.emit(rec)
		}
	})

	info := eventbus.SessionInfo{SessionID: sid, URL: r.url, Attempt: attempt, Events: sess.Events, Emitted: sess.Emitted}
	if err != nil {
		info.Err = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.SessionClosed, Data: info})
	return sess.Decoded, err
}

// wait sleeps for d, polling stopping every PollInterval. It reports true
// when shutdown was observed.
func (r *Runner) wait(ctx context.Context, d time.Duration, stopping func() bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(r.cfg.PollInterval)
	defer tick.Stop()

	for {
		if stopping() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
			return stopping()
		case <-tick.C:
		}
	}
}

func (r *Runner) stop(code int, reason string) int {
	var retries int
	r.update(func(s *State) {
		s.Phase = PhaseStopped
		s.ExitCode = code
		retries = s.RetryCount
	})
	r.log.Info("runner stopped", logx.Int("code", code), logx.String("reason", reason))
	r.bus.Publish(eventbus.Event{Type: eventbus.RunnerStopped, Data: eventbus.StopInfo{
		Code: code, RetryCount: retries, Reason: reason,
	}})
	return code
}
