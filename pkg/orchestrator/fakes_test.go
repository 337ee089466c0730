package orchestrator

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeClient records submissions. When block is set, sends wait on it and ignore ctx.
type fakeClient struct {
	mu       sync.Mutex
	sinks    model.Sinks
	reported chan model.PropertyDocument
	messages chan model.OutgoingMessage
	calls    atomic.Int32
	block    chan struct{}
	err      error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		reported: make(chan model.PropertyDocument, 16),
		messages: make(chan model.OutgoingMessage, 16),
	}
}

func (c *fakeClient) Register(sinks model.Sinks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = sinks
}

func (c *fakeClient) SendReportedProperties(_ context.Context, doc model.PropertyDocument) error {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return c.err
	}
	c.reported <- doc
	return nil
}

func (c *fakeClient) SendMessage(_ context.Context, msg *model.OutgoingMessage) error {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return c.err
	}
	c.messages <- *msg
	return nil
}

type fakeSupervisor struct {
	ready    atomic.Int32
	alive    atomic.Int32
	interval time.Duration
	enabled  bool
}

func (s *fakeSupervisor) NotifyReady()       { s.ready.Add(1) }
func (s *fakeSupervisor) NotifyAlive() error { s.alive.Add(1); return nil }
func (s *fakeSupervisor) WatchdogInterval() (time.Duration, bool) {
	return s.interval, s.enabled
}

type fakeJournal struct {
	mu       sync.Mutex
	reported []model.PropertyDocument
	messages []model.OutgoingMessage
}

func (j *fakeJournal) RecordReported(_ context.Context, doc model.PropertyDocument) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reported = append(j.reported, doc)
	return nil
}

func (j *fakeJournal) RecordMessage(_ context.Context, msg *model.OutgoingMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, *msg)
	return nil
}

func (j *fakeJournal) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.reported), len(j.messages)
}

// stuckJournal blocks every write until its context ends.
type stuckJournal struct {
	writes atomic.Int32
}

func (j *stuckJournal) RecordReported(ctx context.Context, _ model.PropertyDocument) error {
	j.writes.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (j *stuckJournal) RecordMessage(ctx context.Context, _ *model.OutgoingMessage) error {
	j.writes.Add(1)
	<-ctx.Done()
	return ctx.Err()
}
