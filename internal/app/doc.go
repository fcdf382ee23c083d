// Package app provides the application service layer.
//
// Orchestrates the gateway use cases: starting sessions, handing out login
// artifacts, dispatching messages, status and teardown, plus the periodic
// janitor. Sits between HTTP handlers and the lifecycle controller and store.
package app
