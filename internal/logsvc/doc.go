// Package logsvc is the reference log service replicas sync against.
//
// The service owns the only ordering in the system: it stamps every
// accepted event with a ts strictly greater than any before it. Clients
// authenticate with self-signed tokens; the first token from an unknown
// key registers a new player actor.
//
// Accepted events are checked twice: their payload against the embedded
// CUE schema (schema.cue), and their meaning against a fold of the log
// (handles are unique, players exist before they are edited, only root
// grants permissions, only orga and root reset). The fold is rebuilt from
// the events table on startup.
//
// Pulls are filtered per actor. SeedActor and Permission reach only the
// actor they concern; orga and root see every other event; players see
// events about their own handle.
package logsvc
