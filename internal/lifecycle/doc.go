// Package lifecycle drives each live session through its state machine.
//
// Every session is owned by a single goroutine (actor) that serializes
// transport events, outbound sends, reconnect timers, and teardown. Commands
// reach the actor over a channel; callers wait on reply channels. Sessions run
// fully in parallel with each other.
//
// State machine:
//
//	pending -> awaiting_scan -> authenticated -> disconnected -> pending | closed
//	any -> closed
//
// Recoverable disconnects are retried with bounded exponential backoff.
// Fatal disconnects and exhausted retries close the session.
package lifecycle
