// Package storage persists job definitions, runs and access grants.
//
// Two drivers are available:
//   - "file": dependency-free snapshot + journal files
//   - "sqlite": a SQLite database (modernc.org/sqlite, pure Go)
//
// Both drivers enforce the same commit-time rules: unique job identifiers, at
// most one active run per job, and one run per (job, occurrence, attempt).
package storage
