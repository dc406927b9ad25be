// Package store persists scheduled publication jobs.
//
// It is the single shared mutable resource in the daemon: the manager and the
// dispatcher never share memory, they coordinate through the atomic
// read-modify-write operations on Store (Claim, FinishFiring, Cancel, Update).
// The sqlite backend keeps one writer connection and commits synchronously,
// so the last acknowledged state survives a process restart.
package store
