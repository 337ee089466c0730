// Package device is the application logic of the twin client: its direct methods and
// the properties it reports about itself.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/aleka07/twinclient/pkg/model"
	"github.com/aleka07/twinclient/pkg/orchestrator"
)

// Outbox queues cloud-bound traffic. The orchestrator implements it.
type Outbox interface {
	ReportProperties(doc model.PropertyDocument) error
	SendMessage(msg model.OutgoingMessage) error
}

// Device owns the direct-method table and the self-reporting of the client.
type Device struct {
	out        Outbox
	filter     []string
	interfaces func() ([]NetworkInterface, error)
	log        *logrus.Entry
}

// New builds the device logic. Bind must be called before the orchestrator runs.
func New(networkFilter []string, log *logrus.Entry) *Device {
	return &Device{
		filter:     networkFilter,
		interfaces: systemInterfaces,
		log:        log.WithField("component", "device"),
	}
}

// Bind sets the outbox used by methods and reports.
func (d *Device) Bind(out Outbox) {
	d.out = out
}

// Methods returns the direct-method table.
func (d *Device) Methods() orchestrator.Methods {
	return orchestrator.Methods{
		"closure_send_d2c_message":   orchestrator.Sync(Validated(d2cSchema, d.sendD2CMessage)),
		"func_echo_params_as_result": orchestrator.Sync(echoParams),
		"report_network_status":      orchestrator.Async(d.reportNetworkStatusMethod),
	}
}

const d2cSchema = `{
	"type": ["object", "null"],
	"properties": {
		"body": {},
		"properties": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"additionalProperties": false
}`

type d2cRequest struct {
	Body       json.RawMessage   `json:"body"`
	Properties map[string]string `json:"properties"`
}

func defaultD2CMessage() model.OutgoingMessage {
	return model.OutgoingMessage{Message: model.Message{
		Body:       []byte(`{"my telemetry message":"hi from device"}`),
		Properties: map[string]string{"my property key": "my property value"},
		SystemProperties: map[string]string{
			model.SysMessageID:       "my msg id",
			model.SysCorrelationID:   "my correlation id",
			model.SysContentType:     "application/json",
			model.SysContentEncoding: "utf-8",
			model.SysOutputName:      "my output queue",
		},
	}}
}

func (d *Device) sendD2CMessage(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	msg := defaultD2CMessage()
	if !isNull(payload) {
		var req d2cRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
		}
		if len(req.Body) > 0 {
			msg.Body = req.Body
		}
		if req.Properties != nil {
			msg.Properties = req.Properties
		}
	}
	if err := d.out.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("queue d2c message: %w", err)
	}
	return nil, nil
}

func echoParams(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if isNull(payload) {
		payload = json.RawMessage("null")
	}
	return json.Marshal(map[string]interface{}{
		"called function": "func_echo_params_as_result",
		"your param was":  payload,
	})
}

func (d *Device) reportNetworkStatusMethod(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return nil, d.ReportNetworkStatus()
}

func isNull(payload json.RawMessage) bool {
	s := strings.TrimSpace(string(payload))
	return s == "" || s == "null"
}

// Validated wraps fn so that payloads failing schema are answered with ErrInvalidPayload.
// An absent payload is validated as JSON null. It panics if schema does not compile.
func Validated(schema string, fn orchestrator.HandlerFunc) orchestrator.HandlerFunc {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("device: invalid method schema: %v", err))
	}
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		doc := payload
		if isNull(doc) {
			doc = json.RawMessage("null")
		}
		result, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fmt.Errorf("%w: %s", model.ErrInvalidPayload, strings.Join(msgs, "; "))
		}
		return fn(ctx, payload)
	}
}
