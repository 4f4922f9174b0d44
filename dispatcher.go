package conveyor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/conveyor/bus"
	"github.com/baechuer/conveyor/store"
)

// dispatcher drains persisted outbox rows to the bus and prunes expired
// result rows. Every process runs one; rows are only deleted after the bus
// acknowledged the publish, so crashing between publish and delete costs a
// duplicate, never a loss.
type dispatcher struct {
	cfg   Config
	bus   bus.Bus
	store store.Store
	log   zerolog.Logger
}

func newDispatcher(cfg Config, b bus.Bus, st store.Store) *dispatcher {
	return &dispatcher{
		cfg:   cfg,
		bus:   b,
		store: st,
		log:   cfg.Logger.With().Str("component", "outbox_dispatcher").Logger(),
	}
}

// run loops until ctx is done, sleeping interval plus jitter between
// cycles so multiple processes do not scan in lockstep.
func (w *dispatcher) run(ctx context.Context) {
	timer := time.NewTimer(w.cycleDelay())
	defer timer.Stop()

	var lastErr string
	var lastAt time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stopped")
			return
		case <-timer.C:
		}

		if err := w.cycle(ctx); err != nil {
			if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
				w.log.Warn().Err(err).Msg("cycle failed")
				lastErr = err.Error()
				lastAt = time.Now()
			}
		} else {
			lastErr = ""
		}
		timer.Reset(w.cycleDelay())
	}
}

func (w *dispatcher) cycleDelay() time.Duration {
	half := int64(w.cfg.PeriodicInterval / 2)
	if half <= 0 {
		return w.cfg.PeriodicInterval
	}
	return w.cfg.PeriodicInterval + time.Duration(rand.Int63n(half))
}

// cycle drains one outbox batch, then reaps expired results.
func (w *dispatcher) cycle(ctx context.Context) error {
	return errors.Join(w.drainOutbox(ctx), w.reapResults(ctx))
}

func (w *dispatcher) drainOutbox(ctx context.Context) error {
	now := store.NowMillis()
	olderThan := now - w.cfg.OutboxGrace.Milliseconds()

	rows, err := w.store.OutboxDue(ctx, w.cfg.Namespace, olderThan, now, w.cfg.DispatchBatch)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var published []string
	var lastErr error
	for _, row := range rows {
		if err := publishOutboxRow(ctx, w.bus, row); err != nil {
			recordOutboxPublish(publishDispatcher, false)
			w.log.Warn().Err(err).
				Str("outbox_id", row.ID).
				Str("subject", row.Path).
				Msg("publish failed; row kept for next cycle")
			lastErr = err
			continue
		}
		recordOutboxPublish(publishDispatcher, true)
		published = append(published, row.ID)
	}

	if len(published) > 0 {
		if err := w.store.DeleteOutbox(ctx, w.cfg.Namespace, published); err != nil {
			return errors.Join(lastErr, err)
		}
		w.log.Debug().Int("published", len(published)).Msg("outbox drained")
	}
	return lastErr
}

func (w *dispatcher) reapResults(ctx context.Context) error {
	cutoff := store.NowMillis() - w.cfg.ResultsMaxAge.Milliseconds()
	n, err := w.store.DeleteResultsBefore(ctx, w.cfg.Namespace, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		resultsReapedTotal.Add(float64(n))
		w.log.Debug().Int64("deleted", n).Msg("expired results reaped")
	}
	return nil
}

// publishOutboxRow puts one outbox row on the wire. Request rows carry
// their id as both the dedup msgID and the Request-Id header, so a
// redundant publish collapses at the bus or at the receiver's idempotency
// check. Raw messages go out as-is.
func publishOutboxRow(ctx context.Context, b bus.Bus, row store.OutboxRow) error {
	msg := &bus.Msg{Subject: row.Path, Data: row.Data}
	if row.Type == store.OutboxRequest {
		msg.SetHeader(bus.HeaderRequestID, row.ID)
		return b.PublishMsgID(ctx, msg, row.ID)
	}
	return b.Publish(ctx, msg)
}
