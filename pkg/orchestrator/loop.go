package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aleka07/twinclient/pkg/metrics"
	"github.com/aleka07/twinclient/pkg/model"
)

var errShutdown = errors.New("event loop shut down")

// IsFatal reports whether err terminates the event loop.
// Only authentication failures and closed collaborator channels are fatal.
func IsFatal(err error) bool {
	return errors.Is(err, model.ErrAuthenticationFailed) || errors.Is(err, model.ErrChannelClosed)
}

// Run drives the event loop until a fatal error occurs or ctx is cancelled.
// Cancellation is a clean shutdown and returns nil; a fatal error is returned as is.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	journalCtx, stopJournal := context.WithCancel(ctx)
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		o.exchange.runJournal(journalCtx)
	}()
	defer func() {
		stopJournal()
		<-journalDone
	}()

	o.log.Info("event loop running")
	for {
		err := o.iterate(ctx, ticker.C)
		switch {
		case err == nil:
		case errors.Is(err, errShutdown):
			o.log.Info("event loop stopped")
			return nil
		case IsFatal(err):
			metrics.LoopErrors.WithLabelValues(errorKind(err), strconv.FormatBool(true)).Inc()
			o.terminate(err)
			o.log.WithError(err).Error("event loop terminating")
			return err
		default:
			metrics.LoopErrors.WithLabelValues(errorKind(err), strconv.FormatBool(false)).Inc()
			o.log.WithError(err).Warn("event loop: non-fatal error")
		}
	}
}

// iterate waits for the first ready channel and handles exactly one event.
func (o *Orchestrator) iterate(ctx context.Context, tick <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return errShutdown

	case <-tick:
		return o.liveness.tick()

	case status, ok := <-o.status:
		if !ok {
			return closed("connection status")
		}
		metrics.LoopEvents.WithLabelValues("connection_status").Inc()
		return o.lifecycle.handleConnectionStatus(status)

	case update, ok := <-o.desired:
		if !ok {
			return closed("desired properties")
		}
		metrics.LoopEvents.WithLabelValues("desired").Inc()
		return o.reconciler.handleDesired(update.State, update.Payload)

	case req := <-o.reported:
		metrics.LoopEvents.WithLabelValues("reported").Inc()
		return o.exchange.submitReportedProperties(ctx, req.Properties)

	case msg, ok := <-o.incoming:
		if !ok {
			return closed("incoming messages")
		}
		metrics.LoopEvents.WithLabelValues("incoming_message").Inc()
		disposition := o.exchange.acceptIncomingMessage(msg)
		select {
		case msg.Responder <- disposition:
		default:
			o.log.Warn("incoming message responder not ready, disposition dropped")
		}
		return nil

	case msg := <-o.outgoing:
		metrics.LoopEvents.WithLabelValues("outgoing_message").Inc()
		return o.exchange.submitOutgoingMessage(ctx, &msg)

	case inv, ok := <-o.methods:
		if !ok {
			return closed("direct methods")
		}
		metrics.LoopEvents.WithLabelValues("direct_method").Inc()
		o.dispatcher.handleDirectMethod(ctx, inv)
		return nil
	}
}

func closed(name string) error {
	return fmt.Errorf("%w: %s", model.ErrChannelClosed, name)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, model.ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, model.ErrTimeout):
		return "timeout"
	case errors.Is(err, model.ErrMalformedTwin):
		return "malformed_twin"
	case errors.Is(err, model.ErrQueueFull):
		return "queue_full"
	default:
		return "other"
	}
}
