// Package supervisor talks to the process supervisor (systemd) about readiness and liveness.
package supervisor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Systemd notifies systemd through $NOTIFY_SOCKET.
type Systemd struct {
	notify   notifyFunc
	watchdog time.Duration
	ready    sync.Once
	log      *logrus.Entry
}

// NewSystemd reads the watchdog settings of the current process.
func NewSystemd(log *logrus.Entry) (*Systemd, error) {
	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("read systemd watchdog settings: %w", err)
	}
	return &Systemd{notify: daemon.SdNotify, watchdog: watchdog, log: log.WithField("component", "supervisor")}, nil
}

// NotifyReady sends READY=1, at most once per Systemd value.
func (s *Systemd) NotifyReady() {
	s.ready.Do(func() {
		s.log.Info("notify ready=1")
		if _, err := s.notify(false, daemon.SdNotifyReady); err != nil {
			s.log.WithError(err).Warn("sd_notify ready failed")
		}
	})
}

// NotifyAlive sends WATCHDOG=1.
func (s *Systemd) NotifyAlive() error {
	if _, err := s.notify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns WATCHDOG_USEC when the watchdog is enabled for this process.
func (s *Systemd) WatchdogInterval() (time.Duration, bool) {
	return s.watchdog, s.watchdog > 0
}

// Disabled is used when no supervisor integration is available. Every call is a no-op.
type Disabled struct{}

func (Disabled) NotifyReady()                            {}
func (Disabled) NotifyAlive() error                      { return nil }
func (Disabled) WatchdogInterval() (time.Duration, bool) { return 0, false }

// Supervisor is what New returns: either *Systemd or Disabled.
type Supervisor interface {
	NotifyReady()
	NotifyAlive() error
	WatchdogInterval() (time.Duration, bool)
}

// New returns the systemd integration when $NOTIFY_SOCKET is set and Disabled otherwise.
func New(log *logrus.Entry) (Supervisor, error) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		log.Info("NOTIFY_SOCKET not set, supervisor integration disabled")
		return Disabled{}, nil
	}
	return NewSystemd(log)
}
