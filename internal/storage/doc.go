// Package storage persists job signatures, schedules and runs.
//
// Two backends exist: "sqlite" (a single database file, WAL mode) and
// "memory" (process lifetime only, used by tests and dry runs).
package storage
