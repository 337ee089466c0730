// pkg/persistence/memory_journal.go
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aleka07/twinclient/pkg/model"
)

var _ Journal = (*MemoryJournal)(nil)

// MemoryJournal keeps the most recent entries in memory. Oldest entries are dropped first.
type MemoryJournal struct {
	mu       sync.RWMutex
	capacity int
	reported []*ReportedRecord
	messages []*MessageRecord
	now      func() time.Time
}

func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryJournal{capacity: capacity, now: time.Now}
}

func (j *MemoryJournal) RecordReported(_ context.Context, doc model.PropertyDocument) error {
	// Round-trip through JSON so later changes to doc cannot leak into the journal.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal reported properties: %w", err)
	}
	snapshot, err := model.ParseDocument(raw)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.reported = appendBounded(j.reported, &ReportedRecord{
		ID:         uuid.NewString(),
		RecordedAt: j.now().UTC(),
		Properties: snapshot,
	}, j.capacity)
	return nil
}

func (j *MemoryJournal) RecordMessage(_ context.Context, msg *model.OutgoingMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = appendBounded(j.messages, newMessageRecord(uuid.NewString(), j.now().UTC(), msg), j.capacity)
	return nil
}

func (j *MemoryJournal) ListReported(_ context.Context, limit int) ([]*ReportedRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return newestFirst(j.reported, normalizeLimit(limit)), nil
}

func (j *MemoryJournal) ListMessages(_ context.Context, limit int) ([]*MessageRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return newestFirst(j.messages, normalizeLimit(limit)), nil
}

func (j *MemoryJournal) Close() {}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = append(s[:0:0], s[len(s)-capacity:]...)
	}
	return s
}

func newestFirst[T any](s []T, limit int) []T {
	n := min(limit, len(s))
	out := make([]T, 0, n)
	for i := len(s) - 1; i >= len(s)-n; i-- {
		out = append(out, s[i])
	}
	return out
}
