// Package app contains the two processes of the system, decoupled from any
// specific entrypoint like a CLI. App is a runtime: it builds the model
// described by its configuration for every compute unit it needs, runs
// inferences through a worker pool and follows the partitioning plans of a
// scheduler when one is configured. SchedulerApp serves the central
// scheduler over a unix socket and a socket.io gateway.
package app
