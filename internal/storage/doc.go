// Package storage persists job records.
//
// The whole record (every job, in insertion order) is rewritten on each Save;
// there are no partial writes. Drivers:
//   - file:   one human-diffable JSON object {id: job}
//   - sqlite: one row per job, replaced in a single transaction
package storage
