// Package hub is the MQTT adapter to the cloud hub: it provisions an identity, keeps the
// connection authenticated and turns hub traffic into orchestrator events.
package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/twinclient/pkg/model"
)

// SysInputName carries the module input a message arrived on.
const SysInputName = "$.input"

const (
	defaultTokenTTL    = time.Hour
	twinRequestTimeout = 30 * time.Second
	responseTimeout    = 10 * time.Second
)

type Options struct {
	Identity Identity
	TokenTTL time.Duration
	Observer IncomingMessageObserver
	Logger   *logrus.Entry

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// twinReply is the response to a twin GET or reported PATCH request.
type twinReply struct {
	status int
	body   []byte
}

// Client implements the orchestrator's hub client over MQTT.
type Client struct {
	id       Identity
	ttl      time.Duration
	observer IncomingMessageObserver
	log      *logrus.Entry
	mqtt     mqtt.Client
	now      func() time.Time

	sinksMu sync.RWMutex
	sinks   model.Sinks

	tokenMu sync.Mutex
	expiry  time.Time

	pendingMu sync.Mutex
	pending   map[string]chan twinReply

	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Client {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.newClient == nil {
		opts.newClient = mqtt.NewClient
	}

	c := &Client{
		id:       opts.Identity,
		ttl:      opts.TokenTTL,
		observer: opts.Observer,
		log:      opts.Logger.WithField("component", "hub").WithField("client_id", opts.Identity.clientID()),
		now:      time.Now,
		pending:  map[string]chan twinReply{},
		done:     make(chan struct{}),
	}

	host := c.id.GatewayHost
	if host == "" {
		host = c.id.HubHost
	}
	mo := mqtt.NewClientOptions().
		AddBroker(c.id.broker()).
		SetClientID(c.id.clientID()).
		SetProtocolVersion(4).
		SetTLSConfig(&tls.Config{RootCAs: c.id.RootCAs, ServerName: host, MinVersion: tls.VersionTLS12}).
		SetCredentialsProvider(c.credentials).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)
	mo.OnConnect = c.onConnect
	mo.OnConnectionLost = c.onConnectionLost

	c.mqtt = opts.newClient(mo)
	return c
}

// Register stores the orchestrator's event channels. It must be called before Connect.
func (c *Client) Register(sinks model.Sinks) {
	c.sinksMu.Lock()
	c.sinks = sinks
	c.sinksMu.Unlock()
}

func (c *Client) currentSinks() model.Sinks {
	c.sinksMu.RLock()
	defer c.sinksMu.RUnlock()
	return c.sinks
}

// Connect opens the first connection. Later reconnects happen automatically.
// A refused connection is also reported on the status channel.
func (c *Client) Connect(ctx context.Context) error {
	c.log.WithField("broker", c.id.broker()).Info("connecting to hub")
	t := c.mqtt.Connect()
	select {
	case <-t.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := t.Error(); err != nil {
		reason := c.classify(err)
		c.emitStatus(model.Unauthenticated(reason))
		return fmt.Errorf("connect to %s: %w", c.id.broker(), err)
	}
	return nil
}

// Close disconnects and releases every blocked callback.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mqtt.Disconnect(250)
		c.log.Info("disconnected from hub")
	})
}

// credentials builds a fresh SAS token for every (re)connect.
func (c *Client) credentials() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()

	expiry := c.now().Add(c.ttl)
	token, err := sasToken(ctx, c.id.Signer, c.id.audience(), expiry)
	if err != nil {
		c.log.WithError(err).Error("building sas token failed")
		return c.id.username(), ""
	}
	c.tokenMu.Lock()
	c.expiry = expiry
	c.tokenMu.Unlock()
	return c.id.username(), token
}

func (c *Client) tokenExpired() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return !c.expiry.IsZero() && !c.now().Before(c.expiry)
}

func (c *Client) classify(err error) model.UnauthenticatedReason {
	switch {
	case c.tokenExpired():
		return model.ReasonExpiredSasToken
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		err != nil && strings.Contains(strings.ToLower(err.Error()), "not authori"):
		return model.ReasonBadCredential
	default:
		return model.ReasonCommunicationError
	}
}

func (c *Client) emitStatus(s model.AuthenticationStatus) {
	sinks := c.currentSinks()
	if sinks.Status == nil {
		c.log.WithField("status", s).Warn("no status sink registered, dropping")
		return
	}
	select {
	case sinks.Status <- s:
	case <-c.done:
	}
}

func (c *Client) onConnect(cl mqtt.Client) {
	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{topicTwinResponses, 0, c.onTwinResponse},
		{topicTwinDesired, 0, c.onDesired},
		{topicMethods, 0, c.onMethod},
		{inboundTopic(c.id), 1, c.onInbound},
	}
	for _, s := range subs {
		if t := cl.Subscribe(s.topic, s.qos, s.handler); t.Wait() && t.Error() != nil {
			c.log.WithError(t.Error()).WithField("topic", s.topic).Error("subscribe failed")
			c.emitStatus(model.Unauthenticated(model.ReasonCommunicationError))
			return
		}
	}
	c.log.Info("connected to hub")
	c.emitStatus(model.Authenticated())

	go c.fetchTwin()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	reason := c.classify(err)
	c.log.WithError(err).WithField("reason", reason).Warn("hub connection lost")
	c.emitStatus(model.Unauthenticated(reason))
}

// fetchTwin requests the full twin and forwards it as a Complete desired update.
func (c *Client) fetchTwin() {
	ctx, cancel := context.WithTimeout(context.Background(), twinRequestTimeout)
	defer cancel()

	reply, err := c.twinRequest(ctx, twinGetTopic, nil)
	if err != nil {
		c.log.WithError(err).Error("twin get failed")
		return
	}
	if reply.status != 200 {
		c.log.WithField("status", reply.status).Error("twin get rejected")
		return
	}
	sinks := c.currentSinks()
	if sinks.Desired == nil {
		return
	}
	select {
	case sinks.Desired <- model.DesiredUpdate{State: model.Complete, Payload: reply.body}:
	case <-c.done:
	}
}

func (c *Client) twinRequest(ctx context.Context, topic func(rid string) string, body []byte) (twinReply, error) {
	rid := uuid.NewString()
	ch := make(chan twinReply, 1)

	c.pendingMu.Lock()
	c.pending[rid] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, rid)
		c.pendingMu.Unlock()
	}()

	if err := c.publish(ctx, topic(rid), 0, body); err != nil {
		return twinReply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return twinReply{}, ctx.Err()
	case <-c.done:
		return twinReply{}, model.ErrChannelClosed
	}
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	t := c.mqtt.Publish(topic, qos, false, payload)
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendReportedProperties patches the reported section of the twin.
func (c *Client) SendReportedProperties(ctx context.Context, doc model.PropertyDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode reported properties: %w", err)
	}
	reply, err := c.twinRequest(ctx, reportedTopic, body)
	if err != nil {
		return fmt.Errorf("send reported properties: %w", err)
	}
	if reply.status/100 != 2 {
		return fmt.Errorf("send reported properties: hub returned status %d", reply.status)
	}
	return nil
}

// SendMessage publishes a device-to-cloud message on the events topic.
func (c *Client) SendMessage(ctx context.Context, msg *model.OutgoingMessage) error {
	sys := make(map[string]string, len(msg.SystemProperties)+1)
	for k, v := range msg.SystemProperties {
		sys[k] = v
	}
	if sys[model.SysMessageID] == "" {
		sys[model.SysMessageID] = uuid.NewString()
	}
	if c.id.ModuleID == "" {
		delete(sys, model.SysOutputName)
	}
	topic := eventsTopic(c.id, encodePropertyBag(msg.Properties, sys))
	if err := c.publish(ctx, topic, 1, msg.Body); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Client) onTwinResponse(_ mqtt.Client, msg mqtt.Message) {
	msg.Ack()
	res, err := parseTwinResponse(msg.Topic())
	if err != nil {
		c.log.WithError(err).Warn("ignoring twin response")
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[res.rid]
	c.pendingMu.Unlock()
	if !ok {
		c.log.WithField("rid", res.rid).Debug("twin response without a pending request")
		return
	}
	select {
	case ch <- twinReply{status: res.status, body: append([]byte(nil), msg.Payload()...)}:
	default:
	}
}

func (c *Client) onDesired(_ mqtt.Client, msg mqtt.Message) {
	msg.Ack()
	sinks := c.currentSinks()
	if sinks.Desired == nil {
		return
	}
	update := model.DesiredUpdate{State: model.Partial, Payload: append([]byte(nil), msg.Payload()...)}
	select {
	case sinks.Desired <- update:
	case <-c.done:
	}
}

func (c *Client) onMethod(_ mqtt.Client, msg mqtt.Message) {
	msg.Ack()
	name, rid, err := parseMethodRequest(msg.Topic())
	if err != nil {
		c.log.WithError(err).Warn("ignoring method request")
		return
	}
	log := c.log.WithField("method", name).WithField("rid", rid)

	var payload json.RawMessage
	if p := msg.Payload(); len(p) > 0 {
		payload = append(json.RawMessage(nil), p...)
	}
	inv, result := model.NewDirectMethodInvocation(name, payload)

	sinks := c.currentSinks()
	if sinks.Methods == nil {
		log.Warn("no method sink registered")
		return
	}
	select {
	case sinks.Methods <- inv:
	case <-c.done:
		return
	}

	var r model.MethodResult
	select {
	case r = <-result:
	case <-c.done:
		return
	}

	status, body := methodResponse(r)
	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	if err := c.publish(ctx, methodResponseTopic(status, rid), 0, body); err != nil {
		log.WithError(err).Error("method response failed")
		return
	}
	log.WithField("status", status).Debug("method responded")
}

func methodResponse(r model.MethodResult) (int, []byte) {
	if r.Err == nil {
		if len(r.Payload) == 0 {
			return 200, []byte("null")
		}
		return 200, r.Payload
	}
	body, _ := json.Marshal(map[string]string{"message": r.Err.Error()})
	switch {
	case errors.Is(r.Err, model.ErrUnknownMethod):
		return 404, body
	case errors.Is(r.Err, model.ErrInvalidPayload):
		return 400, body
	default:
		return 500, body
	}
}

func (c *Client) onInbound(_ mqtt.Client, msg mqtt.Message) {
	bag, input := inboundPropertyBag(c.id, msg.Topic())
	props, sys, err := parsePropertyBag(bag)
	if err != nil {
		c.log.WithError(err).Warn("dropping message with malformed property bag")
		msg.Ack()
		return
	}
	if input != "" {
		sys[SysInputName] = input
	}
	m := model.Message{Body: append([]byte(nil), msg.Payload()...), Properties: props, SystemProperties: sys}

	if c.observer != nil {
		m.Properties = restrictProperties(m.Properties, c.observer.PropertyKeys())
		if !c.observer.Filter(&m) {
			c.log.WithField("message_id", sys[model.SysMessageID]).Debug("message rejected by observer")
			msg.Ack()
			return
		}
	}

	sinks := c.currentSinks()
	if sinks.Messages == nil {
		return
	}
	in, disposition := model.NewIncomingMessage(m)
	select {
	case sinks.Messages <- in:
	case <-c.done:
		return
	}

	var d model.Disposition
	select {
	case d = <-disposition:
	case <-c.done:
		return
	}
	c.log.WithField("message_id", sys[model.SysMessageID]).WithField("disposition", d).Debug("message settled")
	if d != model.Abandoned {
		msg.Ack()
	}
}
