// Package storage persists the recipient directory cache so a restart within the
// cache TTL does not force a spreadsheet fetch.
//
// Drivers:
//   - "file": one JSON snapshot file, rewritten atomically (tmp + rename)
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// Broadcast runs are never persisted.
package storage
