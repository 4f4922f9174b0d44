// Package membus is an in-process bus.Bus with the same delivery contract
// as the NATS adapter: streams capture matching subjects, durable consumers
// survive Stop/recreate with unacked messages going back to pending, msgID
// dedup applies per stream within the configured window, and Nak redelivers
// after a delay. Unit tests for the framework run on it.
package membus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/conveyor/bus"
)

type Bus struct {
	mu      sync.Mutex
	closed  bool
	streams map[string]*stream
	subs    map[*subscription]struct{}

	pubErr error
}

type stream struct {
	filter string
	dedup  time.Duration
	seen   map[string]time.Time // msgID -> publish time
	seq    int64
	durs   map[string]*durable
}

type durable struct {
	pending  []*entry
	inflight map[int64]*entry
	notify   chan struct{}
	active   bool
}

type entry struct {
	seq int64
	msg *bus.Msg
}

func New() *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		subs:    make(map[*subscription]struct{}),
	}
}

// SetPublishErr makes every subsequent publish fail with err until called
// again with nil.
func (b *Bus) SetPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubErr = err
}

func (b *Bus) Publish(ctx context.Context, msg *bus.Msg) error {
	return b.publish(msg, "")
}

func (b *Bus) PublishMsgID(ctx context.Context, msg *bus.Msg, msgID string) error {
	return b.publish(msg, msgID)
}

func (b *Bus) publish(msg *bus.Msg, msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	if b.pubErr != nil {
		return b.pubErr
	}

	for _, st := range b.streams {
		if !bus.MatchSubject(st.filter, msg.Subject) {
			continue
		}
		if msgID != "" && st.dedup > 0 {
			if at, ok := st.seen[msgID]; ok && time.Since(at) < st.dedup {
				continue
			}
			st.seen[msgID] = time.Now()
		}
		st.seq++
		e := &entry{seq: st.seq, msg: copyMsg(msg)}
		for _, d := range st.durs {
			d.push(e)
		}
	}

	for sub := range b.subs {
		if bus.MatchSubject(sub.subject, msg.Subject) {
			select {
			case sub.ch <- copyMsg(msg):
			default: // slow subscriber, drop
			}
		}
	}
	return nil
}

func (b *Bus) Subscribe(subject string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	sub := &subscription{bus: b, subject: subject, ch: make(chan *bus.Msg, 256)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) Consumer(ctx context.Context, cfg bus.QueueConfig) (bus.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	st, ok := b.streams[cfg.Stream]
	if !ok {
		st = &stream{
			seen: make(map[string]time.Time),
			durs: make(map[string]*durable),
		}
		b.streams[cfg.Stream] = st
	}
	st.filter = cfg.Subjects
	st.dedup = cfg.DedupWindow

	d, ok := st.durs[cfg.Durable]
	if !ok {
		d = &durable{
			inflight: make(map[int64]*entry),
			notify:   make(chan struct{}, 1),
		}
		st.durs[cfg.Durable] = d
	}
	// A recreated consumer picks up what its predecessor never acked.
	d.reclaim()
	d.active = true

	return &consumer{bus: b, d: d}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]struct{})
	for _, st := range b.streams {
		for _, d := range st.durs {
			d.wake()
		}
	}
	return nil
}

// StreamDepth reports pending+inflight counts for a stream, for tests.
func (b *Bus) StreamDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[name]
	if !ok {
		return 0
	}
	n := 0
	for _, d := range st.durs {
		n += len(d.pending) + len(d.inflight)
	}
	return n
}

type subscription struct {
	bus     *Bus
	subject string
	ch      chan *bus.Msg
	once    sync.Once
}

func (s *subscription) C() <-chan *bus.Msg { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}

type consumer struct {
	bus *Bus
	d   *durable
}

func (c *consumer) Next(ctx context.Context) (bus.Delivery, error) {
	for {
		c.bus.mu.Lock()
		if c.bus.closed {
			c.bus.mu.Unlock()
			return nil, bus.ErrClosed
		}
		if !c.d.active {
			c.bus.mu.Unlock()
			return nil, bus.ErrClosed
		}
		if len(c.d.pending) > 0 {
			e := c.d.pending[0]
			c.d.pending = c.d.pending[1:]
			c.d.inflight[e.seq] = e
			c.bus.mu.Unlock()
			return &delivery{bus: c.bus, d: c.d, e: e}, nil
		}
		notify := c.d.notify
		c.bus.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (c *consumer) Stop() {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.d.active = false
	c.d.reclaim()
	c.d.wake()
}

type delivery struct {
	bus  *Bus
	d    *durable
	e    *entry
	once sync.Once
}

func (dl *delivery) Msg() *bus.Msg { return dl.e.msg }

func (dl *delivery) Ack() error {
	dl.once.Do(func() {
		dl.bus.mu.Lock()
		defer dl.bus.mu.Unlock()
		delete(dl.d.inflight, dl.e.seq)
	})
	return nil
}

func (dl *delivery) Nak(delay time.Duration) error {
	dl.once.Do(func() {
		dl.bus.mu.Lock()
		delete(dl.d.inflight, dl.e.seq)
		dl.bus.mu.Unlock()
		if delay <= 0 {
			dl.requeue()
			return
		}
		time.AfterFunc(delay, dl.requeue)
	})
	return nil
}

func (dl *delivery) requeue() {
	dl.bus.mu.Lock()
	defer dl.bus.mu.Unlock()
	if dl.bus.closed {
		return
	}
	dl.d.push(dl.e)
}

func (d *durable) push(e *entry) {
	d.pending = append(d.pending, e)
	d.wake()
}

// reclaim returns inflight entries to pending, oldest first.
func (d *durable) reclaim() {
	if len(d.inflight) == 0 {
		return
	}
	for seq, e := range d.inflight {
		d.pending = append(d.pending, e)
		delete(d.inflight, seq)
	}
	sortEntries(d.pending)
	d.wake()
}

func (d *durable) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
}

func copyMsg(m *bus.Msg) *bus.Msg {
	out := &bus.Msg{Subject: m.Subject, Data: append([]byte(nil), m.Data...)}
	if m.Header != nil {
		out.Header = make(map[string]string, len(m.Header))
		for k, v := range m.Header {
			out.Header[k] = v
		}
	}
	return out
}
