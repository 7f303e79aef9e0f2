// Package status reports relay health: a periodic log summary on a cron
// schedule and readiness/watchdog notifications to systemd.
package status

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nprelay/internal/eventbus"
	"nprelay/internal/notifier"
	"nprelay/internal/runner"
	"nprelay/pkg/logx"
)

// Sources supplies live state for a summary. Nil funcs are skipped.
type Sources struct {
	Runner   func() runner.State
	Notifier func() notifier.Counters
}

// Window counts bus events since the previous summary.
type Window struct {
	Sessions      int
	SessionErrors int
	Backoffs      int
	Tracks        int
	Delivered     int
	Failed        int
	Dropped       int
}

type Summary struct {
	At       time.Time
	Since    time.Time
	Runner   runner.State
	Notifier notifier.Counters
	Window   Window
}

// Reporter logs a Summary on a cron schedule. An empty schedule disables
// the cron entry; Report still works on demand.
type Reporter struct {
	mu sync.Mutex

	log      logx.Logger
	src      Sources
	bus      eventbus.Bus
	schedule string
	loc      *time.Location
	parser   cron.Parser
	onReport func(Summary)

	c      *cron.Cron
	unsub  func()
	window Window
	since  time.Time
	done   chan struct{}
}

func NewReporter(schedule string, loc *time.Location, src Sources, bus eventbus.Bus, log logx.Logger) (*Reporter, error) {
	if loc == nil {
		loc = time.Local
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Reporter{
		log:      log,
		src:      src,
		bus:      bus,
		schedule: strings.TrimSpace(schedule),
		loc:      loc,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if r.schedule != "" {
		if _, err := r.parser.Parse(r.schedule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OnReport registers a hook called after every summary, e.g. to mirror it
// into the systemd status line.
func (r *Reporter) OnReport(fn func(Summary)) {
	r.mu.Lock()
	r.onReport = fn
	r.mu.Unlock()
}

func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return nil
	}
	r.since = time.Now()
	r.done = make(chan struct{})

	events, unsub := r.bus.Subscribe(128)
	r.unsub = unsub
	go r.count(ctx, events)

	if r.schedule == "" {
		r.log.Debug("status summary disabled")
		return nil
	}
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	if _, err := r.c.AddFunc(r.schedule, func() { r.Report() }); err != nil {
		r.c = nil
		return err
	}
	r.c.Start()
	r.log.Info("status reporter started", logx.String("schedule", r.schedule), logx.String("tz", r.loc.String()))
	return nil
}

func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	c, unsub, done := r.c, r.unsub, r.done
	r.c, r.unsub, r.done = nil, nil, nil
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return errors.Join(errors.New("status reporter stop timed out"), ctx.Err())
		}
	}
	return nil
}

func (r *Reporter) count(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.mu.Lock()
			r.observe(e)
			r.mu.Unlock()
		}
	}
}

func (r *Reporter) observe(e eventbus.Event) {
	w := &r.window
	switch e.Type {
	case eventbus.SessionOpened:
		w.Sessions++
	case eventbus.SessionClosed:
		if info, ok := e.Data.(eventbus.SessionInfo); ok && info.Err != "" {
			w.SessionErrors++
		}
	case eventbus.RunnerBackoff:
		w.Backoffs++
	case eventbus.TrackChanged:
		w.Tracks++
	case eventbus.NotifySent:
		w.Delivered++
	case eventbus.NotifyFailed:
		w.Failed++
	case eventbus.NotifyDropped:
		w.Dropped++
	}
}

// Report builds, logs and returns a summary, then starts a new window.
func (r *Reporter) Report() Summary {
	now := time.Now()
	r.mu.Lock()
	s := Summary{At: now, Since: r.since, Window: r.window}
	r.window = Window{}
	r.since = now
	hook := r.onReport
	r.mu.Unlock()

	if r.src.Runner != nil {
		s.Runner = r.src.Runner()
	}
	if r.src.Notifier != nil {
		s.Notifier = r.src.Notifier()
	}

	fields := []logx.Field{
		logx.String("phase", s.Runner.Phase.String()),
		logx.Int("retry_count", s.Runner.RetryCount),
		logx.Int("sessions_total", s.Runner.Sessions),
		logx.Int("emitted_total", s.Runner.Emitted),
		logx.Duration("window", now.Sub(s.Since)),
		logx.Int("sessions", s.Window.Sessions),
		logx.Int("session_errors", s.Window.SessionErrors),
		logx.Int("tracks", s.Window.Tracks),
		logx.Int("delivered", s.Window.Delivered),
		logx.Int("failed", s.Window.Failed),
		logx.Int("dropped", s.Window.Dropped),
		logx.Uint64("sent_total", s.Notifier.Sent),
	}
	if s.Runner.LastTrack != "" {
		fields = append(fields, logx.String("last_track", s.Runner.LastTrack))
	}
	if s.Runner.LastError != "" {
		fields = append(fields, logx.String("last_error", s.Runner.LastError))
	}
	r.log.Info("relay status", fields...)

	if hook != nil {
		hook(s)
	}
	return s
}

// Line renders s as a one-line status, e.g. for systemd.
func (s Summary) Line() string {
	var b strings.Builder
	b.WriteString(s.Runner.Phase.String())
	if s.Runner.LastTrack != "" {
		b.WriteString(": ")
		b.WriteString(s.Runner.LastTrack)
	}
	if s.Runner.RetryCount > 0 {
		b.WriteString(" (retry ")
		b.WriteString(strconv.Itoa(s.Runner.RetryCount))
		b.WriteString(")")
	}
	return b.String()
}
