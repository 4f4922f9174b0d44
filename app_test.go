package conveyor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/conveyor/bus/membus"
	"github.com/baechuer/conveyor/store/memstore"
)

func TestNew_RequiresNamespace(t *testing.T) {
	_, err := New(Config{Logger: zerolog.Nop()}, membus.New(), memstore.New())
	assert.Error(t, err)
}

func TestApp_StartStopRestart(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	app.Queue("api").Query("ping", func(ctx context.Context, req *Request) (any, error) {
		return "pong", nil
	})

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))

	data, err := app.Request(ctx, "api.ping", RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(data))

	app.Stop()
	_, err = app.Request(ctx, "api.ping", RequestOptions{})
	assert.ErrorIs(t, err, ErrStopped)

	// Declarations survive the stop; a second Start picks them back up.
	require.NoError(t, app.Start(ctx))
	defer app.Stop()

	data, err = app.Request(ctx, "api.ping", RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(data))
}

func TestApp_StartTwice(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	app.Queue("api")
	startApp(t, app)

	assert.ErrorIs(t, app.Start(context.Background()), ErrAlreadyStarted)
}

func TestApp_StopWithoutStart(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	app.Stop()
	app.Stop()
}

func TestApp_StartFailsOnClosedBus(t *testing.T) {
	app, b, _ := newTestApp(t, Config{})
	app.Queue("api")
	require.NoError(t, b.Close())

	err := app.Start(context.Background())
	require.Error(t, err)

	_, err = app.Request(context.Background(), "api.ping", RequestOptions{})
	assert.ErrorIs(t, err, ErrStopped, "a failed start leaves the app stopped")
}

func TestApp_QueueDeclaration(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})

	q := app.Queue("api")
	assert.Same(t, q, app.Queue("api"), "declaring a queue twice returns the same queue")

	assert.Panics(t, func() { app.Queue("bad..name") })

	startApp(t, app)
	assert.Panics(t, func() { app.Queue("late") })
	assert.Panics(t, func() {
		q.Query("late.path", func(ctx context.Context, req *Request) (any, error) { return nil, nil })
	})
}

func TestApp_DuplicateRegistrationPanics(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	q := app.Queue("api")
	q.Query("users.get", func(ctx context.Context, req *Request) (any, error) { return nil, nil })

	assert.Panics(t, func() {
		q.Mutation("users.get", func(ctx context.Context, req *Request, s *Scheduler) (any, error) { return nil, nil })
	})
}

func TestQueue_ConcurrencySetter(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	q := app.Queue("api")
	assert.EqualValues(t, 1, q.concurrency)

	q.Concurrency(3)
	assert.EqualValues(t, 3, q.concurrency)

	q.Concurrency(0)
	q.Concurrency(-5)
	assert.EqualValues(t, 3, q.concurrency, "non-positive values are ignored")
}

func TestApp_ConcurrentRequestsDrain(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	app.Queue("api").Concurrency(2).Query("work", func(ctx context.Context, req *Request) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "done", nil
	})
	startApp(t, app)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = app.Request(context.Background(), "api.work", RequestOptions{Timeout: 5 * time.Second})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
}

func TestApp_StopWaitsForInFlightHandler(t *testing.T) {
	app, _, _ := newTestApp(t, Config{})
	entered := make(chan struct{})
	finished := false
	app.Queue("api").Mutation("slow", func(ctx context.Context, req *Request, s *Scheduler) (any, error) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		finished = true
		return "done", nil
	})
	require.NoError(t, app.Start(context.Background()))

	go func() {
		_, _ = app.Request(context.Background(), "api.slow", RequestOptions{Timeout: 2 * time.Second})
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	app.Stop()
	assert.True(t, finished, "Stop must not return while a handler is running")
}
