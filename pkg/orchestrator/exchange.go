package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/metrics"
	"github.com/aleka07/twinclient/pkg/model"
)

// exchange submits reported properties and outgoing messages to the hub client.
// Successful submissions are queued for the journal, which is written by runJournal
// off the event loop.
type exchange struct {
	client  Client
	journal Journal
	records chan journalRecord
	timeout time.Duration
	log     *logrus.Entry
}

type journalRecord struct {
	what  string
	write func(context.Context) error
}

func newExchange(client Client, journal Journal, log *logrus.Entry) *exchange {
	return &exchange{
		client:  client,
		journal: journal,
		records: make(chan journalRecord, DefaultQueueCapacity),
		timeout: SubmitTimeout,
		log:     log,
	}
}

func (e *exchange) submitReportedProperties(ctx context.Context, doc model.PropertyDocument) error {
	start := time.Now()
	err := withTimeout(ctx, e.timeout, "send reported properties", func(ctx context.Context) error {
		return e.client.SendReportedProperties(ctx, doc)
	})
	observeSubmit("reported_properties", start, err)
	if err != nil {
		return fmt.Errorf("submit reported properties: %w", err)
	}

	e.log.WithField("properties", len(doc)).Debug("reported properties sent")
	if e.journal != nil {
		e.record("reported properties", func(ctx context.Context) error {
			return e.journal.RecordReported(ctx, doc)
		})
	}
	return nil
}

func (e *exchange) submitOutgoingMessage(ctx context.Context, msg *model.OutgoingMessage) error {
	start := time.Now()
	err := withTimeout(ctx, e.timeout, "send d2c message", func(ctx context.Context) error {
		return e.client.SendMessage(ctx, msg)
	})
	observeSubmit("d2c_message", start, err)
	if err != nil {
		return fmt.Errorf("submit d2c message: %w", err)
	}

	e.log.WithField("bytes", len(msg.Body)).Debug("d2c message sent")
	if e.journal != nil {
		e.record("d2c message", func(ctx context.Context) error {
			return e.journal.RecordMessage(ctx, msg)
		})
	}
	return nil
}

// acceptIncomingMessage logs a cloud-to-device message and accepts it.
func (e *exchange) acceptIncomingMessage(msg model.IncomingMessage) model.Disposition {
	e.log.WithFields(logrus.Fields{
		"body":              string(msg.Body),
		"properties":        msg.Properties,
		"system_properties": msg.SystemProperties,
	}).Debug("received c2d message")
	return model.Accepted
}

// record queues a journal write without blocking. A full queue drops the record.
// Journal failures never fail the submission.
func (e *exchange) record(what string, fn func(context.Context) error) {
	select {
	case e.records <- journalRecord{what: what, write: fn}:
	default:
		metrics.JournalDropped.Inc()
		e.log.Warnf("journal queue full, %s not journaled", what)
	}
}

// runJournal writes queued records until ctx is done, each under the same bound as a
// hub round-trip. Records still queued at that point are not written.
func (e *exchange) runJournal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.records:
			if err := withTimeout(ctx, e.timeout, "journal "+r.what, r.write); err != nil {
				e.log.WithError(err).Warnf("failed to journal %s", r.what)
			}
		}
	}
}

func observeSubmit(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = errorKind(err)
	}
	metrics.SubmitDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}
