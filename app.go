package conveyor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/baechuer/conveyor/bus"
	"github.com/baechuer/conveyor/store"
)

// App wires declared queues, the reply inbox, the outbox dispatcher and the
// client over one bus and one store. Declare queues and paths first, then
// Start; a stopped App can be started again.
type App struct {
	cfg   Config
	bus   bus.Bus
	store store.Store
	log   zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*Queue
	order     []string
	running   bool
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	inbox     *inbox
	consumers []bus.Consumer
}

// New validates cfg and builds an App. The bus and store are owned by the
// caller; Stop does not close them.
func New(cfg Config, b bus.Bus, st store.Store) (*App, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("conveyor: %w", err)
	}
	return &App{
		cfg:    cfg,
		bus:    b,
		store:  st,
		log:    cfg.Logger.With().Str("component", "app").Logger(),
		queues: make(map[string]*Queue),
	}, nil
}

// Queue declares (or returns) the queue with the given name. The name is
// the root of every path registered on it: a path "posts.create" on queue
// "jobs" is addressed as "jobs.posts.create".
func (a *App) Queue(name string) *Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.queues[name]; ok {
		return q
	}
	if a.running {
		panic("conveyor: queue declared after Start")
	}
	if _, err := splitPath(name); err != nil {
		panic(fmt.Sprintf("conveyor: queue name: %v", err))
	}
	q := &Queue{app: a, name: name, reg: newRegistry(), concurrency: 1}
	a.queues[name] = q
	a.order = append(a.order, name)
	return q
}

// Queue is one durable consumer's worth of declared paths.
type Queue struct {
	app         *App
	name        string
	reg         *registry
	concurrency int64
}

// Query registers a read-only handler on path. Conflicting registrations
// panic: a path collision is a programming error caught at startup.
func (q *Queue) Query(path string, h QueryHandler, mw ...Middleware) *Queue {
	q.app.register(q, &Registration{Kind: KindQuery, Path: path, Middleware: mw, Query: h})
	return q
}

// Mutation registers a state-changing handler on path.
func (q *Queue) Mutation(path string, h MutationHandler, mw ...Middleware) *Queue {
	q.app.register(q, &Registration{Kind: KindMutation, Path: path, Middleware: mw, Mutation: h})
	return q
}

// Concurrency caps how many deliveries this queue processes at once.
// Default is one outstanding delivery.
func (q *Queue) Concurrency(n int) *Queue {
	if n > 0 {
		q.concurrency = int64(n)
	}
	return q
}

func (a *App) register(q *Queue, reg *Registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		panic("conveyor: registration after Start")
	}
	if err := q.reg.register(reg); err != nil {
		panic(fmt.Sprintf("conveyor: %v", err))
	}
}

// Start launches the reply inbox, the outbox dispatcher and one consumer
// loop per declared queue. It fails with ErrAlreadyStarted on re-entry.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	in := newInbox(a.cfg, a.bus)
	if err := in.start(); err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("conveyor: start inbox: %w", err)
	}

	disp := newDispatcher(a.cfg, a.bus, a.store)
	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.run(runCtx)
	}()

	var consumers []bus.Consumer
	for _, name := range a.order {
		q := a.queues[name]
		c, err := a.bus.Consumer(runCtx, bus.QueueConfig{
			Stream:      a.cfg.StreamNamePrefix + name,
			Durable:     a.cfg.ConsumerNamePrefix + name,
			Subjects:    a.cfg.SubjectPrefix + name + ".>",
			DedupWindow: a.cfg.RequestMaxAge,
		})
		if err != nil {
			a.mu.Unlock()
			cancel()
			for _, started := range consumers {
				started.Stop()
			}
			wg.Wait()
			in.stop()
			return fmt.Errorf("conveyor: start queue %s: %w", name, err)
		}
		consumers = append(consumers, c)

		proc := newProcessor(a.cfg, a.bus, a.store, q.reg, name)
		sem := semaphore.NewWeighted(q.concurrency)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.consumeLoop(runCtx, c, proc, sem, wg)
		}()
	}

	a.inbox = in
	a.cancel = cancel
	a.consumers = consumers
	a.wg = wg
	a.running = true
	a.mu.Unlock()

	a.log.Info().
		Str("namespace", a.cfg.Namespace).
		Int("queues", len(a.order)).
		Str("inbox", a.cfg.InboxAddress).
		Msg("started")
	return nil
}

// consumeLoop pulls deliveries and hands them to the processor, bounded by
// the queue's concurrency semaphore. Handlers run on their own goroutines
// so a slow delivery does not starve Next.
func (a *App) consumeLoop(ctx context.Context, c bus.Consumer, proc *processor, sem *semaphore.Weighted, wg *sync.WaitGroup) {
	for {
		d, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				proc.log.Info().Msg("consumer stopped")
				return
			}
			proc.log.Warn().Err(err).Msg("consumer next failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutting down; the unacked delivery comes back later.
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			proc.process(ctx, d)
		}()
	}
}

// Stop cancels the lifecycle context, stops consumers, waits for every
// tracked goroutine, fails outstanding client requests with ErrStopped and
// resets the App for a later Start.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, consumers, in, wg := a.cancel, a.consumers, a.inbox, a.wg
	a.mu.Unlock()

	cancel()
	for _, c := range consumers {
		c.Stop()
	}
	wg.Wait()
	in.stop()

	a.mu.Lock()
	a.running = false
	a.cancel = nil
	a.consumers = nil
	a.inbox = nil
	a.wg = nil
	a.mu.Unlock()
	a.log.Info().Msg("stopped")
}

func (a *App) clientInbox() (*inbox, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.inbox == nil {
		return nil, ErrStopped
	}
	return a.inbox, nil
}
