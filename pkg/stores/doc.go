// Package stores provides the persistence layer for subscriptions, workflow
// processes, their append-only step records and worker leases.
//
// The SQLite implementation is the reference store. All process progress goes
// through CommitStep, which groups the step record insert, the process
// advance and the subscription mutation into one transaction, guarded by the
// subscription's optimistic version counter.
package stores
