// Package bus defines the message transport contract conveyor runs on: a
// subject-addressed bus with durable consumers, publish-time deduplication
// by message id, and lightweight subscriptions for reply inboxes.
//
// Adapters live in the subpackages membus (in-process), natsbus (NATS
// JetStream), rabbitbus (RabbitMQ) and redisbus (Redis Streams).
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Header names conveyor reads and writes on messages.
const (
	HeaderRequestID  = "Request-Id"
	HeaderReplyTo    = "Reply-To"
	HeaderStatusCode = "Status-Code"
)

// ErrClosed is returned by operations on a stopped consumer or closed bus.
var ErrClosed = errors.New("bus: closed")

// Msg is one bus message. Header values are single-valued; absent keys read
// as "".
type Msg struct {
	Subject string
	Header  map[string]string
	Data    []byte
}

// GetHeader returns the header value for key, or "" when unset.
func (m *Msg) GetHeader(key string) string {
	if m.Header == nil {
		return ""
	}
	return m.Header[key]
}

// SetHeader sets a header value, allocating the map on first use.
func (m *Msg) SetHeader(key, value string) {
	if m.Header == nil {
		m.Header = make(map[string]string)
	}
	m.Header[key] = value
}

// Delivery is a single message handed out by a durable consumer. Exactly one
// of Ack or Nak must be called; the bus redelivers unacknowledged messages.
type Delivery interface {
	Msg() *Msg

	// Ack marks the delivery as processed.
	Ack() error

	// Nak requests redelivery after delay. A zero delay asks for the
	// broker's default redelivery timing.
	Nak(delay time.Duration) error
}

// Consumer is a durable cursor over a queue's subject space. Next blocks
// until a delivery arrives, ctx is done, or the consumer is stopped.
type Consumer interface {
	Next(ctx context.Context) (Delivery, error)
	Stop()
}

// Subscription is a non-durable subject subscription. The channel is closed
// by Unsubscribe and on bus shutdown.
type Subscription interface {
	C() <-chan *Msg
	Unsubscribe() error
}

// QueueConfig describes the durable stream and consumer backing one queue.
type QueueConfig struct {
	// Stream is the durable stream (or queue/stream key) name.
	Stream string

	// Durable is the durable consumer name.
	Durable string

	// Subjects is the subject filter the stream captures, e.g.
	// "prefix.jobs.>" (">" matches one or more trailing segments).
	Subjects string

	// DedupWindow bounds publish-time msgID deduplication. Zero leaves the
	// adapter default in place.
	DedupWindow time.Duration
}

// MatchSubject reports whether a dot-separated pattern matches subject.
// "*" matches exactly one token, a trailing ">" matches one or more
// remaining tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Bus is the transport conveyor publishes to and consumes from.
//
// Publish is fire-and-forget delivery to current subscribers (replies).
// PublishMsgID persists the message into the durable stream covering the
// subject; the bus suppresses re-publishes carrying the same msgID inside
// the dedup window.
type Bus interface {
	Publish(ctx context.Context, m *Msg) error
	PublishMsgID(ctx context.Context, m *Msg, msgID string) error

	// Subscribe opens a subscription on subject. A trailing ".*" matches
	// exactly one extra segment (reply inboxes subscribe this way).
	Subscribe(subject string) (Subscription, error)

	// Consumer provisions the stream and durable consumer described by qc
	// (idempotently) and returns a cursor over it.
	Consumer(ctx context.Context, qc QueueConfig) (Consumer, error)

	Close() error
}
