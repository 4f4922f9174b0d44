package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/conveyor/bus"
)

// RequestOptions tunes one client call. The zero value is usable: a fresh
// request id, null input, config-default timeout and retries.
type RequestOptions struct {
	// RequestID is the idempotency key. RequestWithRetries keeps it stable
	// across attempts; leave empty for a fresh time-ordered id.
	RequestID string

	// Input is marshalled to canonical JSON. nil sends null. []byte and
	// json.RawMessage pass through.
	Input any

	// Header adds extra message headers (Request-Id and Reply-To are set
	// by the framework and win on collision).
	Header map[string]string

	// Timeout bounds one attempt. Zero means the config default in
	// RequestWithRetries and no extra bound in Request.
	Timeout time.Duration

	// Retries caps RequestWithRetries attempts. Zero means the config
	// default.
	Retries int
}

// Request publishes one request and waits for its reply. The request id is
// carried as the idempotency key; the reply is correlated through this
// process's inbox subject. Cancellation or timeout surfaces as ABORTED.
func (a *App) Request(ctx context.Context, path string, opts RequestOptions) (json.RawMessage, error) {
	in, err := a.clientInbox()
	if err != nil {
		return nil, err
	}
	if _, err := splitPath(path); err != nil {
		return nil, NewError(CodeBadRequest, err.Error())
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = newID()
	}
	input, err := marshalPayload(opts.Input)
	if err != nil {
		return nil, NewError(CodeBadRequest, err.Error())
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	replyID := newID()
	replySubject := a.cfg.InboxAddress + "." + replyID

	p := newPendingRequest(requestID, path)
	in.pending.add(replyID, p)

	msg := &bus.Msg{Subject: a.cfg.SubjectPrefix + path, Data: input}
	for k, v := range opts.Header {
		msg.SetHeader(k, v)
	}
	msg.SetHeader(bus.HeaderRequestID, requestID)
	msg.SetHeader(bus.HeaderReplyTo, replySubject)

	// The reply subject doubles as the dedup id: if this publish is ever
	// retried verbatim, the bus collapses it.
	if err := a.bus.PublishMsgID(ctx, msg, replySubject); err != nil {
		in.pending.take(replyID)
		if ctx.Err() != nil {
			return nil, abortError(ctx)
		}
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		if _, ok := in.pending.take(replyID); ok {
			// Withdrawn before any reply matched; nobody else settles it.
			return nil, abortError(ctx)
		}
		// The inbox took the entry concurrently; its settle is imminent.
		<-p.done
		return p.data, p.err
	}
}

// RequestWithRetries wraps Request in the retry loop: transient errors and
// per-attempt timeouts are retried with the same request id, so server-side
// idempotency makes the retries safe. Business errors, caller cancellation
// and shutdown propagate immediately.
func (a *App) RequestWithRetries(ctx context.Context, path string, opts RequestOptions) (json.RawMessage, error) {
	if opts.RequestID == "" {
		opts.RequestID = newID()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = a.cfg.RequestTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = a.cfg.RequestRetries
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		data, err := a.Request(ctx, path, opts)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrStopped) {
			return nil, err
		}
		if IsBusinessError(err) {
			return nil, err
		}
		if attempt < retries {
			a.log.Debug().
				Str("path", path).
				Str("request_id", opts.RequestID).
				Int("attempt", attempt).
				Err(err).
				Msg("request attempt failed, retrying")
		}
	}
	return nil, lastErr
}

func abortError(ctx context.Context) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(CodeAborted, "request timed out")
	}
	return NewError(CodeAborted, "request aborted")
}

// newID returns a time-ordered UUID string.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
