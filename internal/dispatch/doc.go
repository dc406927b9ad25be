// Package dispatch runs the background loop that fires due jobs.
//
// The loop wakes on a fixed polling interval, never on a push signal; that
// bounds worst-case trigger latency to one interval and makes restart
// recovery trivial, because every decision is re-derived from the job store.
// The per-job execution right is the store's pending-to-running compare and
// set: two racing ticks can never both fire the same job.
package dispatch
