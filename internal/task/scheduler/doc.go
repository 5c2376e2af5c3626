// Package scheduler drives persisted triggers and exposes the management
// operations over them.
//
// One supervised loop asks the store for the earliest fire time, sleeps until
// then (or until a mutation, a finished fire or a free worker wakes it) and
// acquires due triggers in batches no larger than the number of idle engine
// workers. Each acquired fire runs on the engine; its outcome is written back
// with CompleteFire. A second goroutine periodically reclaims holds that
// outlived scheduler.stale_after.
//
// Lifecycle is new -> running -> stopped. Start is idempotent while running.
// Stop drains in-flight fires. A stopped Service cannot be started again;
// build a new one instead.
package scheduler
