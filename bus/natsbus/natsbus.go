// Package natsbus adapts NATS JetStream to the bus contract. Durable
// streams capture queue subjects with publish-time msgID deduplication,
// pull consumers deliver with explicit ack and NakWithDelay, and core NATS
// carries replies and inbox subscriptions.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/baechuer/conveyor/bus"
)

// ackWait is how long JetStream waits for an ack before redelivering.
// Handlers run inside one database transaction, so anything slower than
// this is better off redelivered anyway.
const ackWait = 30 * time.Second

type Bus struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	owns bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New wraps an existing connection. The caller keeps ownership of nc;
// Close leaves it open.
func New(nc *nats.Conn) (*Bus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}
	return &Bus{nc: nc, js: js, subs: make(map[*subscription]struct{})}, nil
}

// Connect dials url and returns a Bus that owns the connection.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	b, err := New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owns = true
	return b, nil
}

// Publish sends m over core NATS: at-most-once, straight to current
// subscribers. Replies travel this way.
func (b *Bus) Publish(ctx context.Context, m *bus.Msg) error {
	if err := b.nc.PublishMsg(toNats(m)); err != nil {
		return mapClosed(err)
	}
	return nil
}

// PublishMsgID persists m into the stream covering its subject. JetStream
// suppresses re-publishes with the same msgID inside the stream's
// duplicate window and still acks them, which is exactly the contract.
func (b *Bus) PublishMsgID(ctx context.Context, m *bus.Msg, msgID string) error {
	if _, err := b.js.PublishMsg(ctx, toNats(m), jetstream.WithMsgID(msgID)); err != nil {
		return mapClosed(err)
	}
	return nil
}

func (b *Bus) Subscribe(subject string) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	in := make(chan *nats.Msg, 256)
	ns, err := b.nc.ChanSubscribe(subject, in)
	if err != nil {
		return nil, mapClosed(err)
	}

	s := &subscription{
		bus:  b,
		ns:   ns,
		in:   in,
		out:  make(chan *bus.Msg, 256),
		quit: make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) Consumer(ctx context.Context, qc bus.QueueConfig) (bus.Consumer, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     sanitizeName(qc.Stream),
		Subjects: []string{qc.Subjects},
		// WorkQueue retention drops a message once its consumer acked it,
		// matching the one-durable-per-stream layout conveyor provisions.
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: qc.DedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: stream %s: %w", qc.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    sanitizeName(qc.Durable),
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: consumer %s: %w", qc.Durable, err)
	}

	it, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("natsbus: messages %s: %w", qc.Durable, err)
	}

	c := &consumer{
		it:   it,
		ch:   make(chan jetstream.Msg),
		quit: make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if b.owns {
		return b.nc.Drain()
	}
	return nil
}

type subscription struct {
	bus  *Bus
	ns   *nats.Subscription
	in   chan *nats.Msg
	out  chan *bus.Msg
	quit chan struct{}
	once sync.Once
}

func (s *subscription) C() <-chan *bus.Msg { return s.out }

// pump converts incoming messages until Unsubscribe. NATS never closes the
// delivery channel itself, so the quit channel ends the loop.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case m := <-s.in:
			select {
			case s.out <- fromNats(m):
			default: // slow reader, drop
			}
		case <-s.quit:
			return
		}
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ns.Unsubscribe()
		close(s.quit)

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

type consumer struct {
	it   jetstream.MessagesContext
	ch   chan jetstream.Msg
	quit chan struct{}
	once sync.Once
}

// pump feeds the iterator into a channel so Next can honor its context.
// A message parked here during shutdown simply times out its AckWait and
// redelivers.
func (c *consumer) pump() {
	defer close(c.ch)
	for {
		m, err := c.it.Next()
		if err != nil {
			return
		}
		select {
		case c.ch <- m:
		case <-c.quit:
			return
		}
	}
}

func (c *consumer) Next(ctx context.Context) (bus.Delivery, error) {
	select {
	case m, ok := <-c.ch:
		if !ok {
			return nil, bus.ErrClosed
		}
		return &delivery{m: m, msg: fromJetstream(m)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *consumer) Stop() {
	c.once.Do(func() {
		close(c.quit)
		c.it.Stop()
	})
}

type delivery struct {
	m   jetstream.Msg
	msg *bus.Msg
}

func (d *delivery) Msg() *bus.Msg { return d.msg }

func (d *delivery) Ack() error { return d.m.Ack() }

func (d *delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.m.Nak()
	}
	return d.m.NakWithDelay(delay)
}

func toNats(m *bus.Msg) *nats.Msg {
	out := &nats.Msg{Subject: m.Subject, Data: m.Data}
	if len(m.Header) > 0 {
		out.Header = make(nats.Header, len(m.Header))
		for k, v := range m.Header {
			out.Header.Set(k, v)
		}
	}
	return out
}

func fromNats(m *nats.Msg) *bus.Msg {
	return &bus.Msg{Subject: m.Subject, Header: fromHeader(m.Header), Data: m.Data}
}

func fromJetstream(m jetstream.Msg) *bus.Msg {
	return &bus.Msg{Subject: m.Subject(), Header: fromHeader(m.Headers()), Data: m.Data()}
}

func fromHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// sanitizeName makes a stream or consumer name safe for JetStream, which
// rejects dots, wildcards and path separators.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

func mapClosed(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return bus.ErrClosed
	}
	return err
}
