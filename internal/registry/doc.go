// Package registry holds the live remote-session handles owned by this process
// together with the most recent QR login artifact of each session.
//
// Entries are memory-only and do not survive a restart. The registry enforces a
// capacity limit and expires cached QR artifacts after a fixed TTL.
package registry
