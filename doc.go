// Package deployflow orchestrates deployment approvals and builds.
//
// A requester files a deployment covering one or more services; an
// approver decides it; on approval the engine submits one build per
// (backend, service) pair to the project's enabled backends (Jenkins
// and/or an SSO release system), then polls each build to a terminal
// status and reports the aggregate outcome back to the origin chat.
//
// Core pieces:
//   - Engine: ties the store, backends, gate, and notifier together
//   - Decide: the at-most-once approval state machine
//   - Dispatch: per-(backend, service) submission with independent failures
//   - Monitor: per-submission polling with write-through persistence
//   - Gate: per-backend concurrent-build admission control
//
// Subpackages:
//   - workflow: request, submission, and status types
//   - store: durable workflow persistence (memory and SQLite)
//   - backend: Jenkins and SSO clients
//   - notify: chat delivery and message rendering
//   - config: YAML configuration and membership checks
package deployflow
