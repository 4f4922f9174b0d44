package conveyor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/conveyor/internal/canonjson"
	"github.com/baechuer/conveyor/store"
)

// Scheduler accumulates follow-up work inside a mutation handler. Nothing
// touches the bus until the handler's transaction commits; every item is
// written to the outbox in the same transaction and published afterwards.
// Request paths are resolved against the subject prefix at enqueue time, so
// outbox rows always hold the wire subject.
type Scheduler struct {
	prefix     string
	items      []store.OutboxRow
	retryDelay *time.Duration
}

func newScheduler(subjectPrefix string) *Scheduler {
	return &Scheduler{prefix: subjectPrefix}
}

// Enqueue schedules a request to another queue path for delivery as soon
// as the surrounding transaction commits.
func (s *Scheduler) Enqueue(path string, input any) error {
	return s.add(store.OutboxRequest, path, input, nil)
}

// RunAt schedules a request for delivery no earlier than at.
func (s *Scheduler) RunAt(path string, input any, at time.Time) error {
	target := at.UnixMilli()
	return s.add(store.OutboxRequest, path, input, &target)
}

// RunAfter schedules a request for delivery after the given delay.
func (s *Scheduler) RunAfter(path string, input any, d time.Duration) error {
	target := time.Now().Add(d).UnixMilli()
	return s.add(store.OutboxRequest, path, input, &target)
}

// Publish schedules a raw message on a bus subject. No response is
// expected and no headers are attached.
func (s *Scheduler) Publish(subject string, data any) error {
	return s.add(store.OutboxMessage, subject, data, nil)
}

// SetRetryDelay overrides the redelivery delay used if the current
// invocation fails with a retryable error.
func (s *Scheduler) SetRetryDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.retryDelay = &d
}

func (s *Scheduler) add(typ, path string, data any, targetAt *int64) error {
	if typ == store.OutboxRequest {
		if _, err := splitPath(path); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		path = s.prefix + path
	} else if path == "" {
		return fmt.Errorf("scheduler: empty subject")
	}
	payload, err := marshalPayload(data)
	if err != nil {
		return fmt.Errorf("scheduler: marshal %s payload: %w", typ, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("scheduler: new id: %w", err)
	}
	s.items = append(s.items, store.OutboxRow{
		ID:        id.String(),
		Type:      typ,
		Path:      path,
		Data:      payload,
		TargetAt:  targetAt,
		CreatedAt: store.NowMillis(),
	})
	return nil
}

// rows finalizes the accumulated items for persistence under the given
// namespace and source request.
func (s *Scheduler) rows(namespace, sourceRequestID string) []store.OutboxRow {
	if len(s.items) == 0 {
		return nil
	}
	out := make([]store.OutboxRow, len(s.items))
	copy(out, s.items)
	for i := range out {
		out[i].Namespace = namespace
		out[i].SourceRequestID = sourceRequestID
	}
	return out
}

func (s *Scheduler) retryDelayOr(def time.Duration) time.Duration {
	if s.retryDelay != nil {
		return *s.retryDelay
	}
	return def
}

func marshalPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return canonjson.Canonicalize(v)
	case json.RawMessage:
		return canonjson.Canonicalize(v)
	default:
		return canonjson.Marshal(data)
	}
}
