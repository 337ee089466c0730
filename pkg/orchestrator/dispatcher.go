package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/metrics"
	"github.com/aleka07/twinclient/pkg/model"
)

// dispatcher routes direct-method invocations to their handlers.
//
// The hub client calls in from its own callback path and blocks on the responder.
// A handler that needs the same client before it can finish (reporting properties,
// sending a message) would deadlock against that blocked caller, so a handler gets a
// single non-blocking poll: a ready result is returned as is, otherwise the caller is
// answered with Ok(None) at once and the handler keeps running in the background with
// its result discarded. Background handlers are bounded by maxLifetime.
type dispatcher struct {
	methods     Methods
	maxLifetime time.Duration
	log         *logrus.Entry
	inflight    sync.WaitGroup
}

func newDispatcher(methods Methods, maxLifetime time.Duration, log *logrus.Entry) *dispatcher {
	if methods == nil {
		methods = Methods{}
	}
	return &dispatcher{methods: methods, maxLifetime: maxLifetime, log: log}
}

func (d *dispatcher) handleDirectMethod(ctx context.Context, inv model.DirectMethodInvocation) {
	log := d.log.WithField("method", inv.Name)

	handler, ok := d.methods[inv.Name]
	if !ok {
		metrics.DirectMethods.WithLabelValues(inv.Name, "unknown").Inc()
		log.Warn("direct method not registered")
		d.respond(log, inv, model.MethodResult{Err: fmt.Errorf("%w: %s", model.ErrUnknownMethod, inv.Name)})
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.maxLifetime)
	future := handler(hctx, inv.Payload)
	if future == nil {
		future = Ready(nil, nil)
	}

	if result, ok := future.Poll(); ok {
		cancel()
		outcome := "completed"
		if result.Err != nil {
			outcome = "failed"
			log.WithError(result.Err).Info("direct method failed")
		}
		metrics.DirectMethods.WithLabelValues(inv.Name, outcome).Inc()
		d.respond(log, inv, result)
		return
	}

	metrics.DirectMethods.WithLabelValues(inv.Name, "deferred").Inc()
	log.Debug("direct method still running, answering with empty result")
	d.respond(log, inv, model.MethodResult{})

	d.inflight.Add(1)
	metrics.DeferredInflight.Inc()
	go func() {
		defer d.inflight.Done()
		defer metrics.DeferredInflight.Dec()
		defer cancel()

		select {
		case <-future.Done():
			result, _ := future.Poll()
			if result.Err != nil {
				log.WithError(result.Err).Info("deferred direct method failed, result discarded")
				return
			}
			log.Debug("deferred direct method finished, result discarded")
		case <-hctx.Done():
			metrics.DirectMethods.WithLabelValues(inv.Name, "abandoned").Inc()
			log.WithField("max_lifetime", d.maxLifetime).Warn("deferred direct method abandoned")
		}
	}()
}

// respond writes the one and only result for inv.
func (d *dispatcher) respond(log *logrus.Entry, inv model.DirectMethodInvocation, result model.MethodResult) {
	select {
	case inv.Responder <- result:
	default:
		log.Warn("direct method responder not ready, result dropped")
	}
}

// wait blocks until all background handlers have finished or been abandoned.
func (d *dispatcher) wait() {
	d.inflight.Wait()
}
