// Package rabbitbus adapts RabbitMQ to the bus contract. Queue traffic
// flows through a durable topic exchange into durable queues with manual
// acks and publisher confirms; replies and inbox subscriptions use
// exclusive auto-delete queues.
//
// RabbitMQ has no broker-side msgID deduplication, so PublishMsgID stamps
// the id into the MessageId property and relies on the caller's
// idempotency layer to absorb duplicates.
package rabbitbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/conveyor/bus"
)

const (
	// confirmWait bounds how long a stream publish waits for the broker
	// confirm. Expiry is an error so the caller keeps the outbox row and
	// retries, never assumes success.
	confirmWait = 5 * time.Second

	prefetchCount = 10
)

type Bus struct {
	exchange string

	conn *amqp.Connection

	// pubCh carries fire-and-forget reply traffic.
	pubCh *amqp.Channel

	// confCh is in confirm mode and serves PublishMsgID. pubMu serializes
	// publishes so each confirmation pairs with the publish that waits on it.
	confCh   *amqp.Channel
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	pubMu    sync.Mutex

	mu     sync.Mutex
	closed bool
}

func Connect(url, exchange string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitbus: dial: %w", err)
	}

	b := &Bus{exchange: exchange, conn: conn}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) setup() error {
	pubCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitbus: channel: %w", err)
	}
	if err := declareExchange(pubCh, b.exchange); err != nil {
		return err
	}

	confCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitbus: confirm channel: %w", err)
	}
	if err := confCh.Confirm(false); err != nil {
		return fmt.Errorf("rabbitbus: enable confirms: %w", err)
	}

	b.pubCh = pubCh
	b.confCh = confCh
	b.confirms = confCh.NotifyPublish(make(chan amqp.Confirmation, 1))
	b.returns = confCh.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// Publish sends m to current consumers only. Unroutable messages are
// dropped silently, which is the right behavior for replies whose
// requester already went away.
func (b *Bus) Publish(ctx context.Context, m *bus.Msg) error {
	err := b.pubCh.PublishWithContext(ctx, b.exchange, m.Subject, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     toTable(m.Header),
		Body:        m.Data,
		Timestamp:   time.Now(),
	})
	return mapClosed(err)
}

// PublishMsgID publishes persistently and waits for the broker confirm.
// Mandatory routing surfaces the case where no queue is bound yet; the
// caller keeps its outbox row and retries once a consumer declared it.
func (b *Bus) PublishMsgID(ctx context.Context, m *bus.Msg, msgID string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.confCh.PublishWithContext(ctx, b.exchange, m.Subject, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Headers:      toTable(m.Header),
		Body:         m.Data,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return mapClosed(err)
	}

	select {
	case ret := <-b.returns:
		return fmt.Errorf("rabbitbus: no route for %s: %s (%d)", m.Subject, ret.ReplyText, ret.ReplyCode)
	case conf, ok := <-b.confirms:
		if !ok {
			return bus.ErrClosed
		}
		// A basic.return can race its ack across the two channels.
		select {
		case ret := <-b.returns:
			return fmt.Errorf("rabbitbus: no route for %s: %s (%d)", m.Subject, ret.ReplyText, ret.ReplyCode)
		default:
		}
		if !conf.Ack {
			return fmt.Errorf("rabbitbus: broker rejected publish to %s", m.Subject)
		}
		return nil
	case <-time.After(confirmWait):
		return fmt.Errorf("rabbitbus: confirm timeout for %s", m.Subject)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Consumer(ctx context.Context, qc bus.QueueConfig) (bus.Consumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, mapClosed(fmt.Errorf("rabbitbus: channel: %w", err))
	}

	if err := declareExchange(ch, b.exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(qc.Stream, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: declare queue %s: %w", qc.Stream, err)
	}
	if err := ch.QueueBind(qc.Stream, toRoutingPattern(qc.Subjects), b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: bind queue %s: %w", qc.Stream, err)
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: qos: %w", err)
	}

	deliveries, err := ch.Consume(qc.Stream, qc.Durable, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: consume %s: %w", qc.Stream, err)
	}
	return &consumer{ch: ch, tag: qc.Durable, deliveries: deliveries}, nil
}

func (b *Bus) Subscribe(subject string) (bus.Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, mapClosed(fmt.Errorf("rabbitbus: channel: %w", err))
	}
	if err := declareExchange(ch, b.exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	// Server-named exclusive queue, gone when the channel closes.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: declare inbox queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, toRoutingPattern(subject), b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: bind inbox queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitbus: consume inbox: %w", err)
	}

	s := &subscription{ch: ch, out: make(chan *bus.Msg, 256)}
	go s.pump(deliveries)
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	// Closing the connection tears down every channel, which in turn ends
	// all consumer and subscription loops.
	return b.conn.Close()
}

type consumer struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	once       sync.Once
}

func (c *consumer) Next(ctx context.Context) (bus.Delivery, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, bus.ErrClosed
		}
		return &delivery{d: d, msg: fromDelivery(d)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) Stop() {
	c.once.Do(func() {
		_ = c.ch.Cancel(c.tag, false)
		_ = c.ch.Close()
	})
}

type delivery struct {
	d   amqp.Delivery
	msg *bus.Msg
}

func (d *delivery) Msg() *bus.Msg { return d.msg }

func (d *delivery) Ack() error { return d.d.Ack(false) }

// Nak requeues the delivery. RabbitMQ has no native redelivery delay, so
// the message is held unacked until the delay elapses and only then
// nacked back onto the queue.
func (d *delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.d.Nack(false, true)
	}
	time.AfterFunc(delay, func() {
		_ = d.d.Nack(false, true)
	})
	return nil
}

type subscription struct {
	ch   *amqp.Channel
	out  chan *bus.Msg
	once sync.Once
}

func (s *subscription) C() <-chan *bus.Msg { return s.out }

func (s *subscription) pump(deliveries <-chan amqp.Delivery) {
	defer close(s.out)
	for d := range deliveries {
		select {
		case s.out <- fromDelivery(d):
		default: // slow reader, drop
		}
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ch.Close()
	})
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitbus: declare exchange %s: %w", exchange, err)
	}
	return nil
}

// toRoutingPattern converts a bus subject filter to an AMQP binding key.
// Token separators and single-segment stars line up already; only the
// trailing multi-segment wildcard differs (">" vs "#"). AMQP's "#" also
// matches zero segments, so a bare parent subject would slip through the
// bind; consumers treat unknown subjects as not found, which covers it.
func toRoutingPattern(subject string) string {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		if p == ">" {
			parts[i] = "#"
		}
	}
	return strings.Join(parts, ".")
}

func fromDelivery(d amqp.Delivery) *bus.Msg {
	return &bus.Msg{Subject: d.RoutingKey, Header: fromTable(d.Headers), Data: d.Body}
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mapClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return bus.ErrClosed
	}
	return err
}
