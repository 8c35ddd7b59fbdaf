// Package storage persists recipients, the last distributed post and the
// operator audit trail.
//
// Drivers:
//   - "file": JSON documents next to each other plus a JSON Lines audit log
//   - "sqlite": one SQLite file, schema managed by golang-migrate
//   - "none"/"memory": process-local maps, nothing survives a restart
package storage
