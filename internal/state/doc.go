// Package state is the canonical event store: one append-only JSONL log
// per session, a JSON session index, rebuildable snapshots and the single
// global write queue every durable write goes through.
package state
