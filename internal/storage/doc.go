// Package storage persists the session journal: every dispatch outcome,
// expiry and lifecycle event, plus one summary row per session.
//
// Drivers:
//   - "file": JSON Lines journal and a sessions snapshot, no dependencies
//   - "sqlite": single database file (build tag sqlite)
package storage
