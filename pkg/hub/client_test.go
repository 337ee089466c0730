package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/twinclient/pkg/model"
)

const wait = time.Second

func TestClient_OnConnectSubscribesAndFetchesTwin(t *testing.T) {
	c, fake, s := newTestClient(deviceIdentity(), nil)
	fake.onPublish = func(p published) {
		if strings.HasPrefix(p.topic, "$iothub/twin/GET/") {
			rid := strings.TrimPrefix(p.topic, "$iothub/twin/GET/?$rid=")
			c.onTwinResponse(nil, &fakeMessage{
				topic:   "$iothub/twin/res/200/?$rid=" + rid,
				payload: []byte(`{"desired":{"a":1,"$version":3},"reported":{}}`),
			})
		}
	}

	c.onConnect(fake)

	assert.ElementsMatch(t, []string{
		topicTwinResponses, topicTwinDesired, topicMethods, "devices/dev1/messages/devicebound/#",
	}, fake.topics())

	select {
	case st := <-s.status:
		assert.True(t, st.Authenticated)
	case <-time.After(wait):
		t.Fatal("no status")
	}
	select {
	case u := <-s.desired:
		assert.Equal(t, model.Complete, u.State)
		assert.JSONEq(t, `{"desired":{"a":1,"$version":3},"reported":{}}`, string(u.Payload))
	case <-time.After(wait):
		t.Fatal("no complete twin")
	}
}

func TestClient_ConnectRefusedReportsBadCredential(t *testing.T) {
	c, fake, s := newTestClient(deviceIdentity(), nil)
	fake.connectErr = packets.ErrorRefusedNotAuthorised

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.Unauthenticated(model.ReasonBadCredential), <-s.status)
}

func TestClient_Classify(t *testing.T) {
	c, _, _ := newTestClient(deviceIdentity(), nil)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.Equal(t, model.ReasonCommunicationError, c.classify(io.EOF))
	assert.Equal(t, model.ReasonBadCredential, c.classify(packets.ErrorRefusedBadUsernameOrPassword))
	assert.Equal(t, model.ReasonBadCredential, c.classify(errors.New("connection refused: not Authorized")))

	c.expiry = now.Add(-time.Second)
	assert.Equal(t, model.ReasonExpiredSasToken, c.classify(io.EOF))
}

func TestClient_CredentialsRefreshExpiry(t *testing.T) {
	c, _, _ := newTestClient(deviceIdentity(), nil)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	user, pass := c.credentials()
	assert.Equal(t, "hub.example.net/dev1/?api-version="+apiVersion, user)
	assert.Contains(t, pass, "se=4600")
	assert.False(t, c.tokenExpired())

	now = now.Add(2 * time.Hour)
	assert.True(t, c.tokenExpired())
}

func TestClient_ConnectionLostEmitsReason(t *testing.T) {
	c, _, s := newTestClient(deviceIdentity(), nil)
	c.onConnectionLost(nil, io.EOF)
	assert.Equal(t, model.Unauthenticated(model.ReasonCommunicationError), <-s.status)
}

func TestClient_DesiredPatchIsPartial(t *testing.T) {
	c, _, s := newTestClient(deviceIdentity(), nil)
	msg := &fakeMessage{topic: "$iothub/twin/PATCH/properties/desired/?$version=4", payload: []byte(`{"x":true,"$version":4}`)}

	c.onDesired(nil, msg)

	u := <-s.desired
	assert.Equal(t, model.Partial, u.State)
	assert.JSONEq(t, `{"x":true,"$version":4}`, string(u.Payload))
	assert.EqualValues(t, 1, msg.acked.Load())
}

func TestClient_MethodResponses(t *testing.T) {
	tests := []struct {
		name       string
		result     model.MethodResult
		wantStatus int
		wantBody   string
	}{
		{"payload", model.MethodResult{Payload: json.RawMessage(`{"ok":1}`)}, 200, `{"ok":1}`},
		{"no payload", model.MethodResult{}, 200, `null`},
		{"unknown", model.MethodResult{Err: fmt.Errorf("m: %w", model.ErrUnknownMethod)}, 404, ""},
		{"invalid", model.MethodResult{Err: model.ErrInvalidPayload}, 400, ""},
		{"failure", model.MethodResult{Err: errors.New("boom")}, 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake, s := newTestClient(deviceIdentity(), nil)
			done := make(chan struct{})
			go func() {
				defer close(done)
				c.onMethod(nil, &fakeMessage{topic: "$iothub/methods/POST/do_it/?$rid=7", payload: []byte(`{"p":1}`)})
			}()

			inv := <-s.methods
			assert.Equal(t, "do_it", inv.Name)
			assert.JSONEq(t, `{"p":1}`, string(inv.Payload))
			inv.Responder <- tt.result

			select {
			case <-done:
			case <-time.After(wait):
				t.Fatal("method callback did not return")
			}
			p := <-fake.publishes
			assert.Equal(t, fmt.Sprintf("$iothub/methods/res/%d/?$rid=7", tt.wantStatus), p.topic)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, string(p.payload))
			}
		})
	}
}

func TestClient_SendReportedProperties(t *testing.T) {
	c, fake, _ := newTestClient(deviceIdentity(), nil)
	fake.onPublish = func(p published) {
		rid := strings.TrimPrefix(p.topic, "$iothub/twin/PATCH/properties/reported/?$rid=")
		c.onTwinResponse(nil, &fakeMessage{topic: "$iothub/twin/res/204/?$rid=" + rid + "&$version=5"})
	}

	err := c.SendReportedProperties(context.Background(), model.PropertyDocument{"a": 1})
	require.NoError(t, err)

	p := <-fake.publishes
	assert.True(t, strings.HasPrefix(p.topic, "$iothub/twin/PATCH/properties/reported/?$rid="))
	assert.JSONEq(t, `{"a":1}`, string(p.payload))
}

func TestClient_SendReportedPropertiesRejected(t *testing.T) {
	c, fake, _ := newTestClient(deviceIdentity(), nil)
	fake.onPublish = func(p published) {
		rid := strings.TrimPrefix(p.topic, "$iothub/twin/PATCH/properties/reported/?$rid=")
		c.onTwinResponse(nil, &fakeMessage{topic: "$iothub/twin/res/400/?$rid=" + rid})
	}

	err := c.SendReportedProperties(context.Background(), model.PropertyDocument{"a": 1})
	assert.ErrorContains(t, err, "400")
}

func TestClient_SendReportedPropertiesHonoursContext(t *testing.T) {
	c, _, _ := newTestClient(deviceIdentity(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.SendReportedProperties(ctx, model.PropertyDocument{"a": 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SendMessage(t *testing.T) {
	c, fake, _ := newTestClient(moduleIdentity(), nil)
	msg := &model.OutgoingMessage{Message: model.Message{
		Body:             []byte(`{"t":1}`),
		Properties:       map[string]string{"k": "v"},
		SystemProperties: map[string]string{model.SysOutputName: "out1"},
	}}

	require.NoError(t, c.SendMessage(context.Background(), msg))

	p := <-fake.publishes
	prefix := "devices/dev1/modules/mod1/messages/events/"
	require.True(t, strings.HasPrefix(p.topic, prefix))
	props, sys, err := parsePropertyBag(strings.TrimPrefix(p.topic, prefix))
	require.NoError(t, err)
	assert.Equal(t, "v", props["k"])
	assert.Equal(t, "out1", sys[model.SysOutputName])
	assert.NotEmpty(t, sys[model.SysMessageID])
	assert.EqualValues(t, 1, p.qos)
	assert.Empty(t, msg.SystemProperties[model.SysMessageID], "caller's message is not mutated")
}

func settle(t *testing.T, c *Client, s testSinks, topic string, d model.Disposition) (*fakeMessage, model.IncomingMessage) {
	t.Helper()
	msg := &fakeMessage{topic: topic, payload: []byte("hi")}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.onInbound(nil, msg)
	}()
	in := <-s.messages
	in.Responder <- d
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("inbound callback did not return")
	}
	return msg, in
}

func TestClient_InboundDispositions(t *testing.T) {
	c, _, s := newTestClient(deviceIdentity(), nil)
	topic := "devices/dev1/messages/devicebound/%24.mid=m1&color=blue"

	msg, in := settle(t, c, s, topic, model.Accepted)
	assert.EqualValues(t, 1, msg.acked.Load())
	assert.Equal(t, []byte("hi"), in.Body)
	assert.Equal(t, "blue", in.Properties["color"])
	assert.Equal(t, "m1", in.SystemProperties[model.SysMessageID])

	msg, _ = settle(t, c, s, topic, model.Rejected)
	assert.EqualValues(t, 1, msg.acked.Load())

	msg, _ = settle(t, c, s, topic, model.Abandoned)
	assert.EqualValues(t, 0, msg.acked.Load(), "abandoned messages stay unacknowledged")
}

func TestClient_InboundModuleInputName(t *testing.T) {
	c, _, s := newTestClient(moduleIdentity(), nil)
	_, in := settle(t, c, s, "devices/dev1/modules/mod1/inputs/telemetry/k=v", model.Accepted)
	assert.Equal(t, "telemetry", in.SystemProperties[SysInputName])
}

type rejectAll struct{ KeysObserver }

func (rejectAll) Filter(*model.Message) bool { return false }

func TestClient_ObserverRestrictsAndFilters(t *testing.T) {
	c, _, s := newTestClient(deviceIdentity(), KeysObserver{"color"})
	_, in := settle(t, c, s, "devices/dev1/messages/devicebound/color=blue&size=2", model.Accepted)
	assert.Equal(t, map[string]string{"color": "blue"}, in.Properties)

	c, _, s = newTestClient(deviceIdentity(), rejectAll{})
	msg := &fakeMessage{topic: "devices/dev1/messages/devicebound/a=b"}
	c.onInbound(nil, msg)
	assert.EqualValues(t, 1, msg.acked.Load())
	assert.Empty(t, s.messages)
}

func TestClient_CloseReleasesBlockedCallbacks(t *testing.T) {
	c, _, _ := newTestClient(deviceIdentity(), nil)
	// Unbuffered and never drained: only Close can release the callback.
	c.Register(model.Sinks{Status: make(chan model.AuthenticationStatus)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.onConnectionLost(nil, io.EOF)
	}()
	c.Close()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("callback still blocked after Close")
	}
}
