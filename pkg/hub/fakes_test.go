package hub

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT records publishes and subscriptions. Unused mqtt.Client methods panic.
type fakeMQTT struct {
	mqtt.Client

	mu         sync.Mutex
	subscribed map[string]mqtt.MessageHandler
	publishes  chan published
	connectErr error
	onPublish  func(p published)
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{subscribed: map[string]mqtt.MessageHandler{}, publishes: make(chan published, 16)}
}

func (f *fakeMQTT) Connect() mqtt.Token    { return doneToken{err: f.connectErr} }
func (f *fakeMQTT) Disconnect(uint)        {}
func (f *fakeMQTT) IsConnected() bool      { return true }
func (f *fakeMQTT) IsConnectionOpen() bool { return true }

func (f *fakeMQTT) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subscribed[topic] = h
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)
	p := published{topic: topic, qos: qos, payload: b}
	f.publishes <- p
	if f.onPublish != nil {
		go f.onPublish(p)
	}
	return doneToken{}
}

func (f *fakeMQTT) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		out = append(out, t)
	}
	return out
}

type fakeMessage struct {
	topic   string
	payload []byte
	acked   atomic.Int32
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked.Add(1) }

type staticSigner string

func (s staticSigner) Sign(context.Context, []byte) (string, error) { return string(s), nil }

type testSinks struct {
	status   chan model.AuthenticationStatus
	desired  chan model.DesiredUpdate
	methods  chan model.DirectMethodInvocation
	messages chan model.IncomingMessage
}

func newTestSinks() testSinks {
	return testSinks{
		status:   make(chan model.AuthenticationStatus, 8),
		desired:  make(chan model.DesiredUpdate, 8),
		methods:  make(chan model.DirectMethodInvocation, 8),
		messages: make(chan model.IncomingMessage, 8),
	}
}

func (s testSinks) sinks() model.Sinks {
	return model.Sinks{Status: s.status, Desired: s.desired, Methods: s.methods, Messages: s.messages}
}

func deviceIdentity() Identity {
	return Identity{HubHost: "hub.example.net", DeviceID: "dev1", Signer: staticSigner("c2ln")}
}

func moduleIdentity() Identity {
	id := deviceIdentity()
	id.ModuleID = "mod1"
	return id
}

func newTestClient(id Identity, observer IncomingMessageObserver) (*Client, *fakeMQTT, testSinks) {
	fake := newFakeMQTT()
	c := New(Options{
		Identity:  id,
		Observer:  observer,
		Logger:    quietLogger(),
		newClient: func(*mqtt.ClientOptions) mqtt.Client { return fake },
	})
	s := newTestSinks()
	c.Register(s.sinks())
	return c, fake, s
}
