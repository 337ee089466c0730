// pkg/model/messages.go
package model

import (
	"encoding/json"
	"fmt"
)

// VersionKey is the twin metadata key that must never be echoed back as reported state.
const VersionKey = "$version"

// UnauthenticatedReason is the cause attached to a lost or refused hub connection.
type UnauthenticatedReason int

const (
	ReasonExpiredSasToken UnauthenticatedReason = iota
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonRetryExpired
	ReasonNoNetwork
	ReasonCommunicationError
	ReasonOther
)

func (r UnauthenticatedReason) String() string {
	switch r {
	case ReasonExpiredSasToken:
		return "ExpiredSasToken"
	case ReasonDeviceDisabled:
		return "DeviceDisabled"
	case ReasonBadCredential:
		return "BadCredential"
	case ReasonRetryExpired:
		return "RetryExpired"
	case ReasonNoNetwork:
		return "NoNetwork"
	case ReasonCommunicationError:
		return "CommunicationError"
	default:
		return "Other"
	}
}

// Transient reports whether the hub client is expected to recover on its own.
// Only an expired token qualifies: the client refreshes it on reconnect.
func (r UnauthenticatedReason) Transient() bool {
	return r == ReasonExpiredSasToken
}

// AuthenticationStatus is a single connection-status transition produced by the hub client.
type AuthenticationStatus struct {
	Authenticated bool                  `json:"authenticated"`
	Reason        UnauthenticatedReason `json:"reason"` // Only meaningful when Authenticated is false
}

// Authenticated returns the status for a successful (re)authentication.
func Authenticated() AuthenticationStatus {
	return AuthenticationStatus{Authenticated: true}
}

// Unauthenticated returns the status for a lost connection with the given cause.
func Unauthenticated(reason UnauthenticatedReason) AuthenticationStatus {
	return AuthenticationStatus{Reason: reason}
}

func (s AuthenticationStatus) String() string {
	if s.Authenticated {
		return "Authenticated"
	}
	return fmt.Sprintf("Unauthenticated(%s)", s.Reason)
}

// TwinUpdateState tags a desired-property payload as a delta or the full twin document.
type TwinUpdateState int

const (
	Partial TwinUpdateState = iota
	Complete
)

func (s TwinUpdateState) String() string {
	if s == Complete {
		return "Complete"
	}
	return "Partial"
}

// PropertyDocument is a JSON object keyed by property name.
type PropertyDocument map[string]interface{}

// DesiredUpdate is a desired-property notification as received from the hub.
type DesiredUpdate struct {
	State   TwinUpdateState `json:"state"`
	Payload json.RawMessage `json:"payload"` // Full twin for Complete, delta for Partial
}

// ReportedPropertiesRequest is a document queued for submission as reported state.
type ReportedPropertiesRequest struct {
	Properties PropertyDocument `json:"properties"`
}

// MethodResult is what a direct-method caller eventually sees.
// A nil Payload with a nil Err means "accepted, no payload".
type MethodResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     error           `json:"-"`
}

// DirectMethodInvocation is created by the hub client, which blocks on Responder until
// exactly one MethodResult has been written to it.
type DirectMethodInvocation struct {
	Name      string
	Payload   json.RawMessage
	Responder chan<- MethodResult // Must be buffered (capacity >= 1) by the producer
}

// NewDirectMethodInvocation builds an invocation together with the channel the caller waits on.
func NewDirectMethodInvocation(name string, payload json.RawMessage) (DirectMethodInvocation, <-chan MethodResult) {
	ch := make(chan MethodResult, 1)
	return DirectMethodInvocation{Name: name, Payload: payload, Responder: ch}, ch
}

// Message is the common shape of device-to-cloud and cloud-to-device messages.
type Message struct {
	Body             []byte            `json:"body"`
	Properties       map[string]string `json:"properties,omitempty"`
	SystemProperties map[string]string `json:"systemProperties,omitempty"` // $.mid, $.cid, $.ct, $.ce, $.on ...
}

// OutgoingMessage is a device-to-cloud (telemetry) message.
type OutgoingMessage struct {
	Message
}

// System property keys understood by the hub.
const (
	SysMessageID       = "$.mid"
	SysCorrelationID   = "$.cid"
	SysContentType     = "$.ct"
	SysContentEncoding = "$.ce"
	SysOutputName      = "$.on"
)

// Disposition is the outcome returned for a received cloud-to-device message.
type Disposition int

const (
	Accepted Disposition = iota
	Rejected
	Abandoned
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "abandoned"
	}
}

// IncomingMessage is a cloud-to-device message awaiting a disposition.
type IncomingMessage struct {
	Message
	Responder chan<- Disposition // Must be buffered (capacity >= 1) by the producer
}

// NewIncomingMessage builds an incoming message together with its disposition channel.
func NewIncomingMessage(msg Message) (IncomingMessage, <-chan Disposition) {
	ch := make(chan Disposition, 1)
	return IncomingMessage{Message: msg, Responder: ch}, ch
}
