// pkg/persistence/store.go
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/aleka07/twinclient/pkg/model"
)

var ErrConflict = errors.New("journal entry already exists")

// DefaultListLimit applies when a caller asks for zero or fewer entries.
const DefaultListLimit = 50

// ReportedRecord is one reported-properties document accepted by the hub.
type ReportedRecord struct {
	ID         string                 `json:"id"`
	RecordedAt time.Time              `json:"recordedAt"`
	Properties model.PropertyDocument `json:"properties"`
}

// MessageRecord is one device-to-cloud message accepted by the hub.
type MessageRecord struct {
	ID               string            `json:"id"`
	RecordedAt       time.Time         `json:"recordedAt"`
	MessageID        string            `json:"messageId,omitempty"`
	Body             string            `json:"body"`
	Properties       map[string]string `json:"properties,omitempty"`
	SystemProperties map[string]string `json:"systemProperties,omitempty"`
}

// Journal keeps a history of successful cloud submissions. It is an observation sink:
// the orchestrator never reads from it.
type Journal interface {
	RecordReported(ctx context.Context, doc model.PropertyDocument) error
	RecordMessage(ctx context.Context, msg *model.OutgoingMessage) error

	// ListReported returns the newest entries first.
	ListReported(ctx context.Context, limit int) ([]*ReportedRecord, error)
	// ListMessages returns the newest entries first.
	ListMessages(ctx context.Context, limit int) ([]*MessageRecord, error)

	Close()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func newMessageRecord(id string, at time.Time, msg *model.OutgoingMessage) *MessageRecord {
	return &MessageRecord{
		ID:               id,
		RecordedAt:       at,
		MessageID:        msg.SystemProperties[model.SysMessageID],
		Body:             string(msg.Body),
		Properties:       copyStrings(msg.Properties),
		SystemProperties: copyStrings(msg.SystemProperties),
	}
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
