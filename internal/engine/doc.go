// Package engine implements the replica sync engine.
//
// The engine keeps a local replica (cursor + projection) in step with the
// remote, server-ordered event log. It never orders events itself: the
// log service assigns every ts, and the engine only folds what it pulled.
//
// ARCHITECTURE:
//
// Lifecycle:
//
//	Uninitialized --(SyncFull)--> Synced --(SyncIncremental | Submit+Sync)--> Synced
//	                                 |
//	                           Reset envelope
//	                                 v
//	                            Resetting --(full replay)--> Synced
//
// Incremental sync:
//  1. Pull envelopes with ts > cursor
//  2. If any is a Reset, abandon the batch and run a full sync
//  3. Fold the batch into a copy of the projection
//  4. Save cursor and projection together, then publish them
//
// A Reset met during the full replay is a no-op, so a log holding several
// Resets still converges in one pass.
//
// Submission:
// Submit appends a batch and checks every ack. The first refused event
// fails the whole call (SubmitError) and the projection is left alone
// even on success: state only moves forward through a pull.
//
// Failures at any step leave the persisted replica untouched.
package engine
