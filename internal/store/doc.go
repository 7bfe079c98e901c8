// Package store is the durable campaign record.
//
// It owns campaigns, their recipient snapshots and channel assignments, and
// enforces the contracts the engine relies on:
//   - campaign status transitions follow the lifecycle and are atomic
//   - recipient status is monotone (PENDING resolves once, never revisited)
//   - a non-terminal campaign never loses its last channel assignment
//
// Two drivers exist: "sqlite" (production) and "memory" (tests, dev).
package store
