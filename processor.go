package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/conveyor/bus"
	"github.com/baechuer/conveyor/internal/canonjson"
	"github.com/baechuer/conveyor/store"
)

// Request is what one invocation hands to middleware and handlers. DB is
// the surrounding serializable transaction; effects written through it
// commit together with the framework's result and outbox rows.
type Request struct {
	DB     store.DBTX
	Input  json.RawMessage
	Params map[string]string
	Header map[string]string
}

// QueryHandler serves a read-only path. The transaction is read-only.
type QueryHandler func(ctx context.Context, req *Request) (any, error)

// MutationHandler serves a state-changing path. Follow-up work goes through
// the Scheduler and becomes visible only if the transaction commits.
type MutationHandler func(ctx context.Context, req *Request, s *Scheduler) (any, error)

// Middleware runs before the handler, in registration order. The returned
// context feeds the next element and finally the handler; returning nil
// keeps the current one. Errors are classified like handler errors.
type Middleware func(ctx context.Context, req *Request) (context.Context, error)

// errLostRace signals that a competing worker persisted the result first.
var errLostRace = errors.New("conveyor: result insert lost race")

type procOutcome int

const (
	outcomeFresh procOutcome = iota
	outcomeReplay
	outcomeConflict
)

// processor runs the per-message pipeline for one queue.
type processor struct {
	cfg    Config
	bus    bus.Bus
	store  store.Store
	reg    *registry
	queue  string
	prefix string
	log    zerolog.Logger
}

func newProcessor(cfg Config, b bus.Bus, st store.Store, reg *registry, queue string) *processor {
	return &processor{
		cfg:    cfg,
		bus:    b,
		store:  st,
		reg:    reg,
		queue:  queue,
		prefix: cfg.SubjectPrefix + queue + ".",
		log:    cfg.Logger.With().Str("component", "processor").Str("queue", queue).Logger(),
	}
}

// process drives one delivery through match, transaction, reply and
// settle. It never returns an error: every path ends in an ack or a nak.
func (p *processor) process(ctx context.Context, d bus.Delivery) {
	start := time.Now()
	msg := d.Msg()
	requestID := msg.GetHeader(bus.HeaderRequestID)

	deliveriesInFlight.WithLabelValues(p.queue).Inc()
	defer deliveriesInFlight.WithLabelValues(p.queue).Dec()

	// 1) Strip the queue prefix; subjects outside it cannot match.
	key, inPrefix := strings.CutPrefix(msg.Subject, p.prefix)
	if !inPrefix {
		p.reply(ctx, msg, requestID, 404, []byte("null"))
		p.ack(d)
		recordProcessed(p.queue, 404, start)
		return
	}

	// 2) Registry match.
	reg, params, matched := p.reg.match(key)
	if !matched {
		p.reply(ctx, msg, requestID, 404, []byte("null"))
		p.ack(d)
		recordProcessed(p.queue, 404, start)
		return
	}

	// 3) The request id is the idempotency key. A message without one is
	//    malformed; ack it to avoid a redelivery storm.
	if requestID == "" {
		p.log.Warn().Str("subject", msg.Subject).Msg("message without request id")
		p.reply(ctx, msg, "", 404, []byte("null"))
		p.ack(d)
		recordProcessed(p.queue, 404, start)
		return
	}

	input, err := canonjson.Canonicalize(msg.Data)
	if err != nil {
		e := NewError(CodeBadRequest, "invalid JSON input")
		p.reply(ctx, msg, requestID, e.StatusCode(), errorBody(e))
		p.ack(d)
		recordProcessed(p.queue, e.StatusCode(), start)
		return
	}

	log := p.log.With().Str("request_id", requestID).Str("path", key).Logger()
	sch := newScheduler(p.cfg.SubjectPrefix)

	var (
		outcome  = outcomeFresh
		status   int
		body     []byte
		captured []store.OutboxRow
	)

	// 4) One serializable transaction spans the idempotency check, the
	//    middleware chain, the handler and persistence. Queries run
	//    read-only.
	txErr := p.store.InTx(ctx, reg.Kind == KindQuery, func(tx store.DBTX) error {
		// 5) Idempotency check.
		stored, err := p.store.FindResult(ctx, tx, p.cfg.Namespace, requestID)
		if err != nil {
			return err
		}
		if stored != nil {
			if stored.RequestedPath == key && canonjson.Equal(stored.RequestedInput, input) {
				outcome = outcomeReplay
				status, body = stored.Status, stored.Data
				return p.replayResidual(ctx, tx, requestID, log)
			}
			outcome = outcomeConflict
			e := NewError(CodeRequestIDConflict, "request id reused with a different path or input")
			status, body = e.StatusCode(), errorBody(e)
			return nil
		}

		// 6) Middleware, then the handler.
		req := &Request{DB: tx, Input: input, Params: params, Header: msg.Header}
		out, herr := p.invoke(ctx, reg, req, sch)
		if herr != nil {
			e, ok := AsError(herr)
			if !ok || e.StatusCode() >= 500 {
				return herr
			}
			// Business error: persisted and replied, never retried.
			status, body = e.StatusCode(), errorBody(e)
		} else {
			b, merr := json.Marshal(out)
			if merr != nil {
				return fmt.Errorf("marshal handler result: %w", merr)
			}
			status, body = 200, b
		}

		// 7) Queries persist nothing.
		if reg.Kind == KindQuery {
			return nil
		}
		inserted, err := p.store.InsertResult(ctx, tx, store.ResultRow{
			Namespace:      p.cfg.Namespace,
			RequestID:      requestID,
			RequestedPath:  key,
			RequestedInput: input,
			Data:           body,
			Status:         status,
			CreatedAt:      store.NowMillis(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errLostRace
		}
		captured = sch.rows(p.cfg.Namespace, requestID)
		return p.store.InsertOutbox(ctx, tx, captured)
	})

	if txErr != nil {
		delay := sch.retryDelayOr(defaultNakDelay())
		if errors.Is(txErr, errLostRace) {
			// The next delivery hits the idempotency short-circuit.
			log.Debug().Msg("result insert lost race")
			p.nak(d, delay, "lost_race")
			return
		}
		log.Warn().Err(txErr).Msg("transaction failed")
		p.nak(d, delay, "transient")
		return
	}

	// 8) Reply strictly after commit, fast-path the captured rows, ack.
	if body == nil {
		body = []byte("null")
	}
	p.reply(ctx, msg, requestID, status, body)
	if outcome == outcomeReplay {
		idempotencyHitsTotal.Inc()
	}
	if outcome == outcomeFresh && len(captured) > 0 {
		p.fastPath(ctx, captured, requestID, log)
	}
	p.ack(d)
	recordProcessed(p.queue, status, start)
}

func (p *processor) invoke(ctx context.Context, reg *Registration, req *Request, sch *Scheduler) (any, error) {
	for _, mw := range reg.Middleware {
		next, err := mw(ctx, req)
		if err != nil {
			return nil, err
		}
		if next != nil {
			ctx = next
		}
	}
	if reg.Kind == KindQuery {
		return reg.Query(ctx, req)
	}
	return reg.Mutation(ctx, req, sch)
}

// replayResidual republishes outbox rows an earlier run persisted but may
// never have delivered, deleting the ones the bus acknowledged. Deferred
// rows stay behind for the dispatcher.
func (p *processor) replayResidual(ctx context.Context, tx store.DBTX, requestID string, log zerolog.Logger) error {
	rows, err := p.store.OutboxBySource(ctx, tx, p.cfg.Namespace, requestID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	now := store.NowMillis()
	var published []string
	for _, row := range rows {
		if !row.Due(now) {
			continue
		}
		if err := publishOutboxRow(ctx, p.bus, row); err != nil {
			recordOutboxPublish(publishReplay, false)
			log.Warn().Err(err).Str("outbox_id", row.ID).Msg("residual publish failed")
			break
		}
		recordOutboxPublish(publishReplay, true)
		published = append(published, row.ID)
	}
	if len(published) == 0 {
		return nil
	}
	return p.store.DeleteOutboxInTx(ctx, tx, p.cfg.Namespace, published)
}

// fastPath publishes just-committed outbox rows so follow-ups do not wait
// for a dispatcher cycle. Any failure here is retried by the dispatcher
// after the grace period.
func (p *processor) fastPath(ctx context.Context, rows []store.OutboxRow, requestID string, log zerolog.Logger) {
	now := store.NowMillis()
	var published []string
	for _, row := range rows {
		if !row.Due(now) {
			continue
		}
		if err := publishOutboxRow(ctx, p.bus, row); err != nil {
			recordOutboxPublish(publishFastPath, false)
			log.Warn().Err(err).Str("outbox_id", row.ID).Msg("fast-path publish failed, dispatcher will retry")
			continue
		}
		recordOutboxPublish(publishFastPath, true)
		published = append(published, row.ID)
	}

	var err error
	if len(published) == len(rows) {
		err = p.store.DeleteOutboxBySource(ctx, p.cfg.Namespace, requestID)
	} else {
		err = p.store.DeleteOutbox(ctx, p.cfg.Namespace, published)
	}
	if err != nil {
		log.Warn().Err(err).Msg("fast-path cleanup failed, dispatcher will retry")
	}
}

func (p *processor) reply(ctx context.Context, m *bus.Msg, requestID string, status int, body []byte) {
	replyTo := m.GetHeader(bus.HeaderReplyTo)
	if replyTo == "" {
		return
	}
	out := &bus.Msg{Subject: replyTo, Data: body}
	if requestID != "" {
		out.SetHeader(bus.HeaderRequestID, requestID)
	}
	out.SetHeader(bus.HeaderStatusCode, strconv.Itoa(status))
	if err := p.bus.Publish(ctx, out); err != nil {
		p.log.Warn().Err(err).Str("reply_to", replyTo).Msg("reply publish failed")
	}
}

func (p *processor) ack(d bus.Delivery) {
	if err := d.Ack(); err != nil {
		p.log.Warn().Err(err).Msg("ack failed")
	}
}

func (p *processor) nak(d bus.Delivery, delay time.Duration, reason string) {
	recordNak(p.queue, reason)
	if err := d.Nak(delay); err != nil {
		p.log.Warn().Err(err).Msg("nak failed")
	}
}

func errorBody(e *Error) []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"code":"INTERNAL_SERVER_ERROR","message":"error payload marshal failed"}`)
	}
	return b
}

// defaultNakDelay spreads redeliveries of contended messages apart.
func defaultNakDelay() time.Duration {
	return time.Duration(1000+rand.Int63n(2000)) * time.Millisecond
}
