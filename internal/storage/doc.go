// Package storage persists bosses and their spawn records in SQLite.
//
// Times are stored as unix milliseconds. Nullable timestamps (expected
// respawn, kill time) map to *time.Time.
package storage
