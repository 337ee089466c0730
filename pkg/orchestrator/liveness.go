package orchestrator

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/metrics"
)

// liveness pulses the supervisor watchdog at half its deadline, so a pulse always
// lands before the supervisor gives up on the process.
type liveness struct {
	supervisor Supervisor
	enabled    bool
	interval   time.Duration
	last       time.Time
	now        func() time.Time
	log        *logrus.Entry
}

func newLiveness(s Supervisor, now func() time.Time, log *logrus.Entry) *liveness {
	deadline, enabled := s.WatchdogInterval()
	l := &liveness{supervisor: s, enabled: enabled && deadline > 0, now: now, log: log}
	if l.enabled {
		l.interval = deadline / 2
		l.last = now()
	}
	log.WithField("enabled", l.enabled).WithField("interval", l.interval).Info("watchdog settings")
	return l
}

func (l *liveness) tick() error {
	if !l.enabled {
		return nil
	}

	now := l.now()
	if now.Sub(l.last) <= l.interval {
		return nil
	}
	l.last = now

	l.log.Trace("notify watchdog")
	if err := l.supervisor.NotifyAlive(); err != nil {
		return fmt.Errorf("liveness pulse: %w", err)
	}
	metrics.LivenessPulses.Inc()
	return nil
}
