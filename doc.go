// Package cfxflow is a provider-based runtime for game server resources
// that run as a server process and any number of client processes. Providers
// declare their methods once through a Registry and the runtime binds each
// declaration to the matching subsystem:
//
//   - OnEvent: listeners on the event bus, local or networked
//   - Tick: repeating jobs on the frame scheduler, with retries and cron schedules
//   - Once: lifecycle steps run by priority, such as server start or player loaded
//   - Rpc: request/response methods carried over events, with timeouts and retries
//
// Providers are grouped into Modules, which can import other modules and
// register services. An Application loads its modules on Start, runs the
// start steps of its side and unwinds everything on Stop.
//
// Events between the server and the clients travel over a Watermill
// transport selected by Config.PubSubSystem:
//   - channel: in-memory Go channels, server and clients in one process
//   - kafka: streaming with consumer groups
//   - rabbitmq: AMQP queues
//   - aws: SNS/SQS with LocalStack support
//   - nats: NATS core or JetStream
//   - http: webhook style delivery
//
// # Middleware
//
// Every bound method runs through a middleware chain. The default chain
// logs failures, records stats and Prometheus metrics, recovers panics and
// injects the event source on networked server events. Extra middleware
// can be added with Options.Middlewares, and RPC methods can opt into named
// middleware registered with Options.NamedMiddlewares.
//
// # Introspection
//
// With MetricsEnabled the application serves Prometheus metrics, and with
// WebUIEnabled a read-only JSON API under /api describes loaded events,
// ticks, steps, rpc methods and modules. Lifecycle transitions are emitted
// as CloudEvents to registered LifecycleObservers.
package cfxflow
