package conveyor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/conveyor/bus"
	"github.com/baechuer/conveyor/bus/membus"
)

func newTestInbox(t *testing.T) (*inbox, *membus.Bus) {
	t.Helper()
	cfg := Config{
		Namespace:    "test",
		InboxAddress: "inbox.test-node",
		Logger:       zerolog.Nop(),
	}.withDefaults()

	b := membus.New()
	in := newInbox(cfg, b)
	require.NoError(t, in.start())
	t.Cleanup(func() {
		in.stop()
		_ = b.Close()
	})
	return in, b
}

func waitSettled(t *testing.T, p *pendingRequest) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never settled")
	}
}

func reply(t *testing.T, b *membus.Bus, subject, status string, body []byte) {
	t.Helper()
	msg := &bus.Msg{Subject: subject, Data: body}
	if status != "" {
		msg.SetHeader(bus.HeaderStatusCode, status)
	}
	require.NoError(t, b.Publish(context.Background(), msg))
}

func TestInbox_SettlesMatchingRequest(t *testing.T) {
	in, b := newTestInbox(t)
	p := newPendingRequest("req-1", "api.ping")
	in.pending.add("reply-1", p)

	reply(t, b, "inbox.test-node.reply-1", "200", []byte(`{"ok":true}`))

	waitSettled(t, p)
	require.NoError(t, p.err)
	assert.JSONEq(t, `{"ok":true}`, string(p.data))
	assert.Zero(t, in.pending.size())
}

func TestInbox_ErrorRepliesBecomeTypedErrors(t *testing.T) {
	in, b := newTestInbox(t)

	t.Run("body carries the error payload", func(t *testing.T) {
		p := newPendingRequest("req-2", "api.signup")
		in.pending.add("reply-2", p)

		reply(t, b, "inbox.test-node.reply-2", "409", []byte(`{"code":"CONFLICT","message":"email taken"}`))

		waitSettled(t, p)
		e, ok := AsError(p.err)
		require.True(t, ok)
		assert.Equal(t, CodeConflict, e.Code)
		assert.Equal(t, "email taken", e.Message)
		assert.Equal(t, 409, e.StatusCode())
	})

	t.Run("null body falls back to the status code", func(t *testing.T) {
		p := newPendingRequest("req-3", "api.nope")
		in.pending.add("reply-3", p)

		reply(t, b, "inbox.test-node.reply-3", "404", []byte(`null`))

		waitSettled(t, p)
		e, ok := AsError(p.err)
		require.True(t, ok)
		assert.Equal(t, CodeNotFound, e.Code)
		assert.Equal(t, "request failed", e.Message)
		assert.Equal(t, 404, e.StatusCode())
	})
}

func TestInbox_MissingStatusCode(t *testing.T) {
	in, b := newTestInbox(t)
	p := newPendingRequest("req-4", "api.x")
	in.pending.add("reply-4", p)

	reply(t, b, "inbox.test-node.reply-4", "", []byte(`{}`))

	waitSettled(t, p)
	e, ok := AsError(p.err)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, e.Code)
}

func TestInbox_MalformedStatusCode(t *testing.T) {
	in, b := newTestInbox(t)
	p := newPendingRequest("req-5", "api.x")
	in.pending.add("reply-5", p)

	reply(t, b, "inbox.test-node.reply-5", "teapot", nil)

	waitSettled(t, p)
	e, ok := AsError(p.err)
	require.True(t, ok)
	assert.Equal(t, CodeInternal, e.Code)
}

func TestInbox_LateReplyIsDropped(t *testing.T) {
	in, b := newTestInbox(t)

	// No pending entry for this id; the loop must shrug it off.
	reply(t, b, "inbox.test-node.gone", "200", []byte(`{}`))

	p := newPendingRequest("req-6", "api.after")
	in.pending.add("reply-6", p)
	reply(t, b, "inbox.test-node.reply-6", "200", []byte(`"still alive"`))

	waitSettled(t, p)
	require.NoError(t, p.err)
	assert.Equal(t, `"still alive"`, string(p.data))
}

func TestInbox_MalformedReplySubjects(t *testing.T) {
	in, _ := newTestInbox(t)
	p := newPendingRequest("req-7", "api.x")
	in.pending.add("reply-7", p)

	in.handleReply(&bus.Msg{Subject: "nodots"})
	in.handleReply(&bus.Msg{Subject: "inbox.test-node."})

	assert.Equal(t, 1, in.pending.size(), "junk subjects must not consume pending entries")
}

func TestInbox_StopFailsOutstandingRequests(t *testing.T) {
	cfg := Config{
		Namespace:    "test",
		InboxAddress: "inbox.stopping",
		Logger:       zerolog.Nop(),
	}.withDefaults()
	b := membus.New()
	defer b.Close()

	in := newInbox(cfg, b)
	require.NoError(t, in.start())

	p := newPendingRequest("req-8", "api.slow")
	in.pending.add("reply-8", p)

	in.stop()

	waitSettled(t, p)
	assert.ErrorIs(t, p.err, ErrStopped)
	assert.Zero(t, in.pending.size())
}

func TestPendingTable_TakeTransfersOwnership(t *testing.T) {
	tbl := newPendingTable()
	p := newPendingRequest("r", "path")
	tbl.add("id", p)

	got, ok := tbl.take("id")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = tbl.take("id")
	assert.False(t, ok, "a second take must lose")
	assert.Zero(t, tbl.size())
}

func TestPendingTable_DrainReturnsEverything(t *testing.T) {
	tbl := newPendingTable()
	tbl.add("a", newPendingRequest("ra", "p"))
	tbl.add("b", newPendingRequest("rb", "p"))

	drained := tbl.drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, tbl.size())
	assert.Empty(t, tbl.drain())
}
