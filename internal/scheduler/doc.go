// Package scheduler owns the deferred-send job lifecycle: scheduling,
// listing, cancellation, and the periodic sweep that claims due jobs,
// submits them, and persists the outcome.
//
// The sweep's claim is cooperative (read status, write status) rather than
// an atomic test-and-set, so callers must ensure a single sweep runs at a
// time. Within a sweep, jobs are processed strictly sequentially.
package scheduler
