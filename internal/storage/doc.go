// Package storage persists delivery cursors: for every (repository, branch)
// the hash of the newest commit that was announced.
//
// Drivers:
//   - "file": one "{repository}.{branch}.txt" file per key, replaced atomically
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// A key that was never saved loads as Genesis ("0").
package storage
