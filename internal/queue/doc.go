// Package queue owns job state: the ordered in-memory registry backed by a
// storage.JobStore, the submission API, and the single-worker runner that
// walks queued jobs item by item.
//
// Every job transition is persisted before its event is published, and the
// registry never exposes a state that failed to persist.
package queue
