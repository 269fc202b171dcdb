// Package storage persists gateway shard sessions so a restarted process can
// resume instead of re-identifying.
//
// Drivers:
//   - "file": snapshot + JSON Lines journal, compacted periodically
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL mode)
//   - "none" or empty: persistence disabled
package storage
