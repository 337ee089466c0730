// Package orchestrator owns the event loop between a hub client and application logic.
//
// All hub events (connection status, desired properties, direct methods and
// cloud-to-device messages) and all application requests (reported properties,
// device-to-cloud messages) arrive on bounded channels and are handled one at a
// time by Run. The hub client itself is only reached through Client.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

// Client is the part of the hub connection the orchestrator drives.
type Client interface {
	// Register hands the event channels to the client before it connects.
	Register(sinks model.Sinks)
	SendReportedProperties(ctx context.Context, doc model.PropertyDocument) error
	SendMessage(ctx context.Context, msg *model.OutgoingMessage) error
}

// Supervisor is the process supervisor integration (readiness and watchdog).
type Supervisor interface {
	NotifyReady()
	NotifyAlive() error
	// WatchdogInterval returns the supervisor deadline and whether liveness checking is enabled.
	WatchdogInterval() (time.Duration, bool)
}

// Journal observes successful cloud submissions.
type Journal interface {
	RecordReported(ctx context.Context, doc model.PropertyDocument) error
	RecordMessage(ctx context.Context, msg *model.OutgoingMessage) error
}

const (
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultQueueCapacity     = 64
	DefaultMethodMaxLifetime = 60 * time.Second
)

// Options configures an Orchestrator. Zero values select the defaults.
type Options struct {
	Methods           Methods
	Supervisor        Supervisor
	Journal           Journal
	Logger            *logrus.Entry
	TickInterval      time.Duration
	QueueCapacity     int
	MethodMaxLifetime time.Duration
	// OnReady runs once, inside the loop, right after the first successful authentication.
	// It must not block.
	OnReady func()
}

// State is the event loop state.
type State int

const (
	StateRunning State = iota
	StateTerminating
)

func (s State) String() string {
	if s == StateTerminating {
		return "terminating"
	}
	return "running"
}

// Orchestrator is the twin orchestrator. Create it with New, then call Run.
type Orchestrator struct {
	client Client
	log    *logrus.Entry
	tick   time.Duration

	status   chan model.AuthenticationStatus
	desired  chan model.DesiredUpdate
	methods  chan model.DirectMethodInvocation
	incoming chan model.IncomingMessage
	reported chan model.ReportedPropertiesRequest
	outgoing chan model.OutgoingMessage

	lifecycle  *lifecycle
	reconciler *reconciler
	dispatcher *dispatcher
	exchange   *exchange
	liveness   *liveness

	mu     sync.RWMutex
	state  State
	reason error
}

// New builds an orchestrator and registers its event channels with client.
func New(client Client, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Supervisor == nil {
		opts.Supervisor = noSupervisor{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.MethodMaxLifetime <= 0 {
		opts.MethodMaxLifetime = DefaultMethodMaxLifetime
	}
	log := opts.Logger.WithField("component", "orchestrator")

	o := &Orchestrator{
		client:   client,
		log:      log,
		tick:     opts.TickInterval,
		status:   make(chan model.AuthenticationStatus, opts.QueueCapacity),
		desired:  make(chan model.DesiredUpdate, opts.QueueCapacity),
		methods:  make(chan model.DirectMethodInvocation, opts.QueueCapacity),
		incoming: make(chan model.IncomingMessage, opts.QueueCapacity),
		reported: make(chan model.ReportedPropertiesRequest, opts.QueueCapacity),
		outgoing: make(chan model.OutgoingMessage, opts.QueueCapacity),
	}

	o.lifecycle = newLifecycle(opts.Supervisor, opts.OnReady, log)
	o.reconciler = &reconciler{forward: o.ReportProperties, log: log}
	o.dispatcher = newDispatcher(opts.Methods, opts.MethodMaxLifetime, log)
	o.exchange = newExchange(client, opts.Journal, log)
	o.liveness = newLiveness(opts.Supervisor, time.Now, log)

	client.Register(model.Sinks{
		Status:   o.status,
		Desired:  o.desired,
		Methods:  o.methods,
		Messages: o.incoming,
	})
	return o
}

// ReportProperties queues doc for submission as reported properties.
// It never blocks and returns model.ErrQueueFull when the queue is full.
func (o *Orchestrator) ReportProperties(doc model.PropertyDocument) error {
	select {
	case o.reported <- model.ReportedPropertiesRequest{Properties: doc}:
		return nil
	default:
		return fmt.Errorf("%w: reported properties", model.ErrQueueFull)
	}
}

// SendMessage queues a device-to-cloud message. It never blocks and returns
// model.ErrQueueFull when the queue is full.
func (o *Orchestrator) SendMessage(msg model.OutgoingMessage) error {
	select {
	case o.outgoing <- msg:
		return nil
	default:
		return fmt.Errorf("%w: outgoing messages", model.ErrQueueFull)
	}
}

// Authenticated reports whether the hub client authenticated at least once.
func (o *Orchestrator) Authenticated() bool {
	return o.lifecycle.authenticated.Load()
}

// State returns the loop state and, once terminating, the reason.
func (o *Orchestrator) State() (State, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state, o.reason
}

func (o *Orchestrator) terminate(reason error) {
	o.mu.Lock()
	o.state = StateTerminating
	o.reason = reason
	o.mu.Unlock()
}

type noSupervisor struct{}

func (noSupervisor) NotifyReady()                            {}
func (noSupervisor) NotifyAlive() error                      { return nil }
func (noSupervisor) WatchdogInterval() (time.Duration, bool) { return 0, false }
