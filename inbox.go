package conveyor

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/conveyor/bus"
)

// pendingRequest is one in-flight client call. Whoever removes it from the
// pending table owns the single settle call; the waiter reads data/err
// after done closes.
type pendingRequest struct {
	requestID string
	path      string
	done      chan struct{}
	data      json.RawMessage
	err       error
}

func newPendingRequest(requestID, path string) *pendingRequest {
	return &pendingRequest{requestID: requestID, path: path, done: make(chan struct{})}
}

func (p *pendingRequest) settle(data json.RawMessage, err error) {
	p.data, p.err = data, err
	close(p.done)
}

type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(replyID string, p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[replyID] = p
}

// take removes and returns the entry, transferring settle ownership to the
// caller.
func (t *pendingTable) take(replyID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[replyID]
	if ok {
		delete(t.m, replyID)
	}
	return p, ok
}

// drain empties the table, returning every outstanding entry.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.m))
	for _, p := range t.m {
		out = append(out, p)
	}
	t.m = make(map[string]*pendingRequest)
	return out
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// inbox demultiplexes replies arriving on the process-unique reply subject
// to their pending requests.
type inbox struct {
	address string
	bus     bus.Bus
	pending *pendingTable
	log     zerolog.Logger

	sub  bus.Subscription
	done chan struct{}
}

func newInbox(cfg Config, b bus.Bus) *inbox {
	return &inbox{
		address: cfg.InboxAddress,
		bus:     b,
		pending: newPendingTable(),
		log:     cfg.Logger.With().Str("component", "reply_inbox").Logger(),
	}
}

// start subscribes to <inbox>.* and launches the read loop.
func (in *inbox) start() error {
	sub, err := in.bus.Subscribe(in.address + ".*")
	if err != nil {
		return err
	}
	in.sub = sub
	in.done = make(chan struct{})
	go in.loop()
	return nil
}

func (in *inbox) loop() {
	defer close(in.done)
	for msg := range in.sub.C() {
		in.handleReply(msg)
	}
	in.log.Info().Msg("stopped")
}

// stop closes the subscription, waits for the loop to finish, and fails
// every request still outstanding.
func (in *inbox) stop() {
	if in.sub != nil {
		_ = in.sub.Unsubscribe()
		<-in.done
		in.sub = nil
	}
	for _, p := range in.pending.drain() {
		in.log.Warn().
			Str("request_id", p.requestID).
			Str("path", p.path).
			Msg("pending request failed by shutdown")
		p.settle(nil, ErrStopped)
	}
}

func (in *inbox) handleReply(msg *bus.Msg) {
	// The reply id is the trailing subject segment.
	idx := strings.LastIndexByte(msg.Subject, '.')
	if idx < 0 || idx == len(msg.Subject)-1 {
		repliesDroppedTotal.Inc()
		return
	}
	replyID := msg.Subject[idx+1:]

	p, ok := in.pending.take(replyID)
	if !ok {
		// Late arrival after timeout or cancellation.
		repliesDroppedTotal.Inc()
		in.log.Debug().Str("subject", msg.Subject).Msg("reply with no pending request")
		return
	}
	repliesMatchedTotal.Inc()

	rawStatus := msg.GetHeader(bus.HeaderStatusCode)
	if rawStatus == "" {
		p.settle(nil, NewError(CodeInternal, "reply missing status code"))
		return
	}
	status, err := strconv.Atoi(rawStatus)
	if err != nil {
		p.settle(nil, Errorf(CodeInternal, "malformed status code %q", rawStatus))
		return
	}
	if status != 200 {
		p.settle(nil, errorFromReply(status, msg.Data))
		return
	}
	p.settle(msg.Data, nil)
}

// errorFromReply rebuilds the typed error carried in a non-200 reply body.
// Replies with an empty or non-object body fall back to the status-derived
// code.
func errorFromReply(status int, body []byte) *Error {
	var e Error
	if len(body) > 0 {
		_ = json.Unmarshal(body, &e)
	}
	if e.Code == "" {
		e.Code = codeForStatus(status)
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	e.Status = status
	return &e
}
