// Package journal records the outcome of every scheduled tick.
//
// Only results are persisted. Schedules themselves live in the config file.
//
// Drivers:
//   - "file": append-only JSON Lines, compacted to the newest Retain entries
//   - "sqlite": SQLite database file (build with -tags sqlite)
package journal
