// Package workflow defines the data model of the approval and build
// orchestration engine: deployment requests, approval states, build
// submissions, and the composite-outcome computation.
//
// A Request is one deployment-approval workflow spanning one
// project/environment/branch and one or more (service, commit) pairs.
// It is created once, in StatePending, and is immutable afterwards;
// only its approval state and outcome change, and only through the
// store's compare-and-swap operations.
//
// A Submission records one service's dispatch to one backend. Its
// BuildStatus moves along legal edges only: Pending/Running to one of
// the terminal statuses, never back. Aggregate outcomes are computed
// by Combine.
package workflow
