// Package conveyor turns a message bus and a relational database into a
// reliable backend framework: request/response and background jobs with
// exactly-once-effective processing.
//
// Handlers run inside one database transaction together with the framework's
// bookkeeping. A mutation's result row, the follow-up work it schedules and
// its own domain writes commit atomically; redelivered requests short-circuit
// to the stored result instead of running again. Scheduled work leaves the
// process through a transactional outbox: published immediately on the fast
// path after commit, swept by a background dispatcher otherwise, and deleted
// only after the bus acknowledged it.
//
// # Queues and paths
//
// An App owns named queues. Each queue is backed by a durable bus stream and
// consumes request paths registered on it:
//
//	app, err := conveyor.New(cfg, natsBus, pgStore)
//	...
//	app.Queue("api").
//		Mutation("orders.place", placeOrder).
//		Query("orders.$id.status", orderStatus)
//
// Path segments starting with "$" capture one subject token into
// req.Params. Queries run read-only and are never persisted; mutations get a
// Scheduler for enqueueing follow-up jobs, deferred work and raw messages,
// all staged in the same transaction.
//
// # Calling
//
// Request publishes into a queue and waits for the reply on this process's
// inbox:
//
//	data, err := app.Request(ctx, "api.orders.place", conveyor.RequestOptions{
//		Input: order,
//	})
//
// RequestWithRetries re-sends with the same request id on transient
// failures; a request that executed but lost its reply is answered from the
// stored result. Business failures come back as *Error values with a code,
// an HTTP-shaped status and optional data, and are never retried.
//
// # Transports and stores
//
// The bus and store are interfaces. bus/natsbus (NATS JetStream),
// bus/rabbitbus (RabbitMQ) and bus/redisbus (Redis Streams) adapt real
// brokers; bus/membus runs the full contract in-process. store/postgres is
// the production store, store/memstore its in-memory counterpart for tests.
package conveyor
