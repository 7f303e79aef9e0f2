package status

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nprelay/pkg/logx"
)

// Systemd speaks the sd_notify protocol. Outside a systemd unit every call
// is a no-op.
type Systemd struct {
	log logx.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func NewSystemd(log logx.Logger) *Systemd {
	return &Systemd{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (s *Systemd) send(state string) {
	sent, err := s.notify(state)
	if err != nil {
		s.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		s.log.Trace("sd_notify skipped, not running under systemd", logx.String("state", state))
	}
}

func (s *Systemd) Ready()             { s.send(daemon.SdNotifyReady) }
func (s *Systemd) Stopping()          { s.send(daemon.SdNotifyStopping) }
func (s *Systemd) Status(line string) { s.send("STATUS=" + line) }
func (s *Systemd) pingWatchdog()      { s.send(daemon.SdNotifyWatchdog) }

// Watchdog pings systemd at half the unit's WatchdogSec until ctx is done.
// alive gates each ping so a stuck relay lets systemd restart it. It returns
// immediately when the watchdog is not enabled.
func (s *Systemd) Watchdog(ctx context.Context, alive func() bool) error {
	every, err := s.watchdog()
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	s.log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive == nil || alive() {
				s.pingWatchdog()
			}
		}
	}
}
