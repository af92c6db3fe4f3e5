// Package store persists workflow requests and build submissions.
//
// The store is the single source of truth for approval state and build
// status; the engine never mutates based on stale reads. The two guarded
// mutations are:
//
//   - CompareAndSetApproval: succeeds only while the workflow is still in
//     the expected approval state, which gives approvals their
//     at-most-once guarantee.
//   - UpdateSubmissionStatus: applies a status only along a legal edge,
//     so a terminal status can never regress.
//
// SQLite (sqlite.go) is the durable implementation; Memory (memory.go)
// implements identical semantics for tests and is the reference for both.
// Retention is an external concern: callers run PurgeExpired on their own
// schedule.
package store
