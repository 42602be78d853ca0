// Package event defines the closed set of domain events exchanged with the
// log service and their wire encodings.
//
// An Event is a tagged union: the Payload interface is sealed, and every
// kind the log service accepts has exactly one payload struct. Kinds this
// build does not know about decode into Unknown instead of failing, so a
// client keeps syncing when the server grows new kinds.
//
// # Wire Formats
//
//   - Events and envelopes travel as protobuf (application/x-protobuf).
//     The message layout is event.proto. Its descriptor, event.txtpb, is
//     embedded and drives dynamic messages; kinds added to the oneof by a
//     newer server are recovered from the unknown fields.
//   - Append acknowledgements travel as a JSON array of {ts, error?}.
//   - The JSON form {"kind": ..., "payload": {...}} is used for local
//     storage on the service side and for the CLI/harness inputs.
//
// # Ordering
//
// Envelope.TS is assigned by the log service only. It is strictly
// increasing across the whole log and is the unit of the sync cursor.
// UnmarshalEnvelopes rejects a response that breaks this ordering.
package event
