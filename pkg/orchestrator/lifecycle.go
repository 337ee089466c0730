package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

// lifecycle interprets connection-status transitions.
type lifecycle struct {
	supervisor    Supervisor
	onReady       func()
	ready         sync.Once
	authenticated atomic.Bool
	log           *logrus.Entry
}

func newLifecycle(s Supervisor, onReady func(), log *logrus.Entry) *lifecycle {
	return &lifecycle{supervisor: s, onReady: onReady, log: log}
}

func (l *lifecycle) handleConnectionStatus(status model.AuthenticationStatus) error {
	if status.Authenticated {
		l.ready.Do(func() {
			l.authenticated.Store(true)
			l.log.Info("authenticated, notify ready")
			l.supervisor.NotifyReady()
			if l.onReady != nil {
				l.onReady()
			}
		})
		return nil
	}

	if status.Reason.Transient() {
		l.log.WithField("reason", status.Reason).Info("sas token expired, client refreshes it on reconnect")
		return nil
	}
	return &model.AuthenticationError{Reason: status.Reason}
}
