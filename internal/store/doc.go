// Package store persists scheduled send jobs in SQLite.
//
// Jobs live in one of two areas: the working area (scheduled_jobs) holds
// pending, sending, and failed records; the history area (sent_jobs) is an
// append-only archive that a job enters exactly once, atomically with its
// transition to sent. Records are keyed by an opaque unique id and carry
// RFC3339 timestamps in TEXT columns.
package store
