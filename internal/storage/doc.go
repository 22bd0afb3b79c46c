// Package storage persists subscription records.
//
// Records are keyed by (category, subscription id). The poller only reads
// (Get, ListAll) and merges watermark fields (Merge); the subscribe commands
// create records and manage owners (Subscribe, Unsubscribe).
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file (default)
//   - "file": dependency-free JSON snapshot, rewritten atomically on change
package storage
