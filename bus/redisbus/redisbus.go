// Package redisbus adapts Redis to the bus contract for deployments that
// already run Redis and nothing else. Queue traffic lives in streams
// consumed through consumer groups, publish-time dedup is an atomic SETNX
// fence per stream and msgID, and replies ride plain pub/sub.
//
// Publishers route by a stream directory hash that consumers register
// their subject filters in, so a process that only ever publishes still
// reaches queues declared elsewhere.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/baechuer/conveyor/bus"
)

const (
	keyDirectory    = "conveyor:streams"
	keyStreamPrefix = "conveyor:stream:"
	keyDedupPrefix  = "conveyor:dedup:"

	defaultDedup = 2 * time.Minute
	directoryTTL = 5 * time.Second
	readBlock    = time.Second
	maxStreamLen = 10000
)

// Unacked entries become claimable by any group member once they sit idle
// past claimIdle. Vars so tests can shrink the horizon.
var (
	claimIdle  = 30 * time.Second
	claimEvery = 5 * time.Second
)

type streamSpec struct {
	Filter  string `json:"filter"`
	DedupMs int64  `json:"dedup_ms"`
}

// envelope frames a pub/sub payload. Data is base64 inside the JSON.
type envelope struct {
	Header map[string]string `json:"h,omitempty"`
	Data   []byte            `json:"d,omitempty"`
}

type Bus struct {
	rdb  *redis.Client
	owns bool

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
	dir    map[string]streamSpec
	dirAt  time.Time
}

// New wraps an existing client. The caller keeps ownership; Close leaves
// it open.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, subs: make(map[*subscription]struct{})}
}

// Connect dials addr and returns a Bus that owns the client.
func Connect(addr, password string, db int) *Bus {
	b := New(redis.NewClient(&redis.Options{
		Addr: addr, Password: password, DB: db,
	}))
	b.owns = true
	return b
}

// Publish fans m out over pub/sub to current subscribers only.
func (b *Bus) Publish(ctx context.Context, m *bus.Msg) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	payload, err := json.Marshal(envelope{Header: m.Header, Data: m.Data})
	if err != nil {
		return fmt.Errorf("redisbus: encode: %w", err)
	}
	return mapClosed(b.rdb.Publish(ctx, m.Subject, payload).Err())
}

// PublishMsgID appends m to every registered stream whose filter matches
// the subject. The SETNX fence makes re-publishes with the same msgID
// no-ops inside the stream's dedup window. No matching stream is an
// error so outbox rows stay put until a consumer has declared the queue.
func (b *Bus) PublishMsgID(ctx context.Context, m *bus.Msg, msgID string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	dir, err := b.directory(ctx)
	if err != nil {
		return err
	}

	matched := false
	for name, spec := range dir {
		if !bus.MatchSubject(spec.Filter, m.Subject) {
			continue
		}
		matched = true
		if err := b.appendStream(ctx, name, spec, m, msgID); err != nil {
			return err
		}
	}
	if !matched {
		return fmt.Errorf("redisbus: no stream matches %s", m.Subject)
	}
	return nil
}

func (b *Bus) appendStream(ctx context.Context, name string, spec streamSpec, m *bus.Msg, msgID string) error {
	window := time.Duration(spec.DedupMs) * time.Millisecond
	if window <= 0 {
		window = defaultDedup
	}

	fence := keyDedupPrefix + name + ":" + msgID
	set, err := b.rdb.SetNX(ctx, fence, time.Now().UnixMilli(), window).Result()
	if err != nil {
		return mapClosed(err)
	}
	if !set {
		// Duplicate inside the window; swallowing it is the contract.
		return nil
	}

	values := map[string]interface{}{"subject": m.Subject, "data": string(m.Data)}
	if len(m.Header) > 0 {
		hdr, err := json.Marshal(m.Header)
		if err != nil {
			return fmt.Errorf("redisbus: encode header: %w", err)
		}
		values["header"] = string(hdr)
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keyStreamPrefix + name,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		// Release the fence so a retry is not locked out of the window.
		_ = b.rdb.Del(context.WithoutCancel(ctx), fence).Err()
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

	// Redis glob "*" is broader than a one-token wildcard, it also crosses
	// dots. Inbox reply ids are single tokens so nothing extra matches in
	// practice.
	ps := b.rdb.PSubscribe(context.Background(), subject)
	s := &subscription{bus: b, ps: ps, out: make(chan *bus.Msg, 256)}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Consumer registers the stream's subject filter in the directory, creates
// the consumer group if needed and returns a cursor over the stream.
func (b *Bus) Consumer(ctx context.Context, qc bus.QueueConfig) (bus.Consumer, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	spec, err := json.Marshal(streamSpec{Filter: qc.Subjects, DedupMs: qc.DedupWindow.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("redisbus: encode spec: %w", err)
	}
	if err := b.rdb.HSet(ctx, keyDirectory, qc.Stream, spec).Err(); err != nil {
		return nil, mapClosed(err)
	}
	b.invalidateDirectory()

	key := keyStreamPrefix + qc.Stream
	if err := b.rdb.XGroupCreateMkStream(ctx, key, qc.Durable, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, mapClosed(err)
		}
	}

	return &consumer{
		rdb:   b.rdb,
		key:   key,
		group: qc.Durable,
		name:  consumerName(),
		quit:  make(chan struct{}),
	}, nil
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
		return b.rdb.Close()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) directory(ctx context.Context) (map[string]streamSpec, error) {
	b.mu.Lock()
	if b.dir != nil && time.Since(b.dirAt) < directoryTTL {
		dir := b.dir
		b.mu.Unlock()
		return dir, nil
	}
	b.mu.Unlock()

	raw, err := b.rdb.HGetAll(ctx, keyDirectory).Result()
	if err != nil {
		return nil, mapClosed(err)
	}
	dir := make(map[string]streamSpec, len(raw))
	for name, val := range raw {
		var spec streamSpec
		if json.Unmarshal([]byte(val), &spec) == nil && spec.Filter != "" {
			dir[name] = spec
		}
	}

	b.mu.Lock()
	b.dir = dir
	b.dirAt = time.Now()
	b.mu.Unlock()
	return dir, nil
}

func (b *Bus) invalidateDirectory() {
	b.mu.Lock()
	b.dir = nil
	b.mu.Unlock()
}

type consumer struct {
	rdb   *redis.Client
	key   string
	group string
	name  string
	quit  chan struct{}
	once  sync.Once

	// Touched only by the goroutine driving Next.
	lastClaim time.Time
}

func (c *consumer) Next(ctx context.Context) (bus.Delivery, error) {
	for {
		select {
		case <-c.quit:
			return nil, bus.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if d := c.claim(ctx); d != nil {
			return d, nil
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.key, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block window elapsed empty
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mapClosed(err)
		}
		for _, xs := range res {
			for _, xm := range xs.Messages {
				return c.delivery(xm), nil
			}
		}
	}
}

// claim picks up one entry whose consumer never acked it, whether that was
// a crashed process or a local Nak. Failures fall through to the normal
// read path.
func (c *consumer) claim(ctx context.Context) bus.Delivery {
	if time.Since(c.lastClaim) < claimEvery {
		return nil
	}
	c.lastClaim = time.Now()

	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.key,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  claimIdle,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil
	}
	return c.delivery(msgs[0])
}

func (c *consumer) delivery(xm redis.XMessage) bus.Delivery {
	msg := &bus.Msg{
		Subject: stringValue(xm.Values["subject"]),
		Data:    []byte(stringValue(xm.Values["data"])),
	}
	if raw := stringValue(xm.Values["header"]); raw != "" {
		var hdr map[string]string
		if json.Unmarshal([]byte(raw), &hdr) == nil && len(hdr) > 0 {
			msg.Header = hdr
		}
	}
	return &delivery{rdb: c.rdb, key: c.key, group: c.group, id: xm.ID, msg: msg}
}

func (c *consumer) Stop() {
	c.once.Do(func() { close(c.quit) })
}

type delivery struct {
	rdb   *redis.Client
	key   string
	group string
	id    string
	msg   *bus.Msg
}

func (d *delivery) Msg() *bus.Msg { return d.msg }

func (d *delivery) Ack() error {
	ctx := context.Background()
	if err := d.rdb.XAck(ctx, d.key, d.group, d.id).Err(); err != nil {
		return mapClosed(err)
	}
	// One group per stream by construction, so the entry is done for good.
	_ = d.rdb.XDel(ctx, d.key, d.id).Err()
	return nil
}

// Nak leaves the entry pending; it redelivers once it has been idle past
// the claim horizon. The delay hint cannot tighten that, shorter delays
// simply wait the horizon out.
func (d *delivery) Nak(delay time.Duration) error {
	return nil
}

type subscription struct {
	bus  *Bus
	ps   *redis.PubSub
	out  chan *bus.Msg
	once sync.Once
}

func (s *subscription) C() <-chan *bus.Msg { return s.out }

func (s *subscription) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		msg := &bus.Msg{Subject: m.Channel}
		var env envelope
		if json.Unmarshal([]byte(m.Payload), &env) == nil {
			msg.Header = env.Header
			msg.Data = env.Data
		} else {
			msg.Data = []byte(m.Payload)
		}
		select {
		case s.out <- msg:
		default: // slow reader, drop
		}
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

func consumerName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "conveyor"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func mapClosed(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return bus.ErrClosed
	}
	return err
}
