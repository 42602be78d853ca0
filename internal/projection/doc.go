// Package projection holds the replica's domain state and the reducer that
// folds log envelopes into it.
//
// Reduce is pure and total. Folding the same envelope sequence from New()
// always yields the same Projection, and Fingerprint makes that property
// checkable across processes: the fingerprint is SHA-256 over the RFC 8785
// canonical JSON of the projection.
package projection
