// Package app wires the relay: config, logging, the feed runner, the
// notifier and its sinks, the delivery journal and status reporting.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nprelay/internal/config"
	"nprelay/internal/eventbus"
	"nprelay/internal/notifier"
	"nprelay/internal/nowplaying"
	"nprelay/internal/runner"
	rtsup "nprelay/internal/runtime/supervisor"
	"nprelay/internal/status"
	"nprelay/internal/storage"
	"nprelay/internal/stream"
	"nprelay/pkg/logx"
)

// Process exit codes.
const (
	ExitShutdown  = runner.ExitShutdown
	ExitExhausted = runner.ExitExhausted
)

type Options struct {
	ConfigPath string
	// EnvPath is a dotenv file; empty or missing means process env only.
	EnvPath string
	// Opener replaces the HTTP feed client.
	Opener stream.Opener
}

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif    *notifier.Service
	runner   *runner.Runner
	reporter *status.Reporter
	systemd  *status.Systemd
	url      string

	sup *rtsup.Supervisor
	// bgCtx outlives sup cancellation so the notifier can drain on Stop.
	bgCtx    context.Context
	stopping atomic.Bool
	stopOnce sync.Once

	done     chan struct{}
	exitCode atomic.Int32
}

// SubscriptionURL loads the config and returns the feed URL it resolves to.
func SubscriptionURL(opts Options) (string, error) {
	lookup, err := config.EnvLookup(opts.EnvPath)
	if err != nil {
		return "", err
	}
	cfg, err := config.NewConfigManager(opts.ConfigPath, lookup).Load()
	if err != nil {
		return "", err
	}
	return stream.BuildURL(cfg.Station.Server, cfg.Station.Shortcode)
}

func New(opts Options) (*App, error) {
	lookup, err := config.EnvLookup(opts.EnvPath)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfgm := config.NewConfigManager(opts.ConfigPath, lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging is enabled only after the sender is set so Apply does
	// not warn about a missing sink.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	log = log.With(logx.String("comp", "app"))

	sinks, chat, err := buildSinks(cfg, logSvc.Logger())
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetChatSender(chat)
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("delivery journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	notif := notifier.New(mapNotifierConfig(cfg), sinks, logSvc.Logger().With(logx.String("comp", "notifier")), bus, store)

	url, err := stream.BuildURL(cfg.Station.Server, cfg.Station.Shortcode)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	opener := opts.Opener
	if opener == nil {
		opener = stream.NewClient(stream.ClientConfig{
			URL:            url,
			ConnectTimeout: config.DurationOr(cfg.Station.ConnectTimeout, 15*time.Second),
		})
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		notif:   notif,
		url:     url,
		systemd: status.NewSystemd(logSvc.Logger().With(logx.String("comp", "systemd"))),
		done:    make(chan struct{}),
	}

	a.runner = runner.New(opener, runner.Options{
		Config:  mapRunnerConfig(cfg),
		Channel: cfg.ChannelKey(),
		URL:     url,
		Decoder: mapDecoder(cfg),
		Emit:    a.emit,
		Bus:     bus,
		Log:     logSvc.Logger().With(logx.String("comp", "runner")),
	})

	reporter, err := status.NewReporter(cfg.Status.Schedule, location(cfg.Decoder.Timezone), status.Sources{
		Runner:   a.runner.Snapshot,
		Notifier: notif.Counters,
	}, bus, logSvc.Logger().With(logx.String("comp", "status")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	a.reporter = reporter
	if cfg.Status.Systemd {
		reporter.OnReport(func(s status.Summary) { a.systemd.Status(s.Line()) })
	}
	return a, nil
}

func (a *App) emit(r nowplaying.Record) {
	if err := a.notif.Enqueue(r); err != nil {
		a.log.Debug("card not queued", logx.String("track", r.String()), logx.Err(err))
	}
}

// URL is the feed subscription URL.
func (a *App) URL() string { return a.url }

// Runner exposes the runner for status queries.
func (a *App) Runner() *runner.Runner { return a.runner }

func (a *App) Notifier() *notifier.Service { return a.notif }

// Done is closed when the runner has returned.
func (a *App) Done() <-chan struct{} { return a.done }

// ExitCode is the runner's exit code once Done is closed.
func (a *App) ExitCode() int { return int(a.exitCode.Load()) }

// Wait blocks until the runner returns and reports its exit code.
func (a *App) Wait() int {
	<-a.done
	return a.ExitCode()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sctx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.OnReject(func(err error) {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigRejected, Data: err.Error()})
	})

	a.bgCtx = context.WithoutCancel(ctx)
	a.notif.Start(a.bgCtx)
	if err := a.reporter.Start(sctx); err != nil {
		return err
	}

	a.sup.Go0("runner", func(c context.Context) {
		code := runner.ExitExhausted
		defer func() {
			a.exitCode.Store(int32(code))
			close(a.done)
		}()
		code = a.runner.Run(c, a.stopping.Load)
	})

	if cfg.Status.Systemd {
		a.systemd.Ready()
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.systemd.Watchdog(c, func() bool {
				return a.runner.Snapshot().Phase != runner.PhaseStopped
			})
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("relay started",
		logx.String("url", a.url),
		logx.String("channel", cfg.ChannelKey()),
		logx.Any("sinks", a.notif.SinkNames()),
	)
	return nil
}

// Stop asks the runner to shut down and tears components down in order.
// Each step is bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx) })
	return nil
}

func (a *App) stop(ctx context.Context) {
	a.log.Info("stopping")
	a.stopping.Store(true)
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		var cancel context.CancelFunc
		if limit > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("runner", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error {
		if a.cfgm.Get().Status.Systemd {
			a.systemd.Stopping()
		}
		return a.reporter.Stop(c)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	snap := a.runner.Snapshot()
	a.log.Info("stopped",
		logx.Int("exit_code", a.ExitCode()),
		logx.Int("sessions", snap.Sessions),
		logx.Int("emitted", snap.Emitted),
		logx.Int64("tasks_active", a.sup.Snapshot().Active),
	)
	_ = a.logs.Close()
}
