// Package measurements maintains the set of remote code measurements (PCRs)
// the client currently trusts and verifies attestation documents against it.
//
// The store tracks two generations: the current set and, during a bounded
// transition window after an update, the previous one. Verification runs
// against an immutable snapshot of both slots, so readers never observe a
// half-applied update. A bundled default set ships with the client as the
// zero-state fallback before any feed has ever been fetched.
//
// Updates come from a pull-based signed feed. The feed signature (Ed25519
// over the canonical serialization of the measurement values) is checked
// against a trust-anchor public key embedded in the client; feeds that fail
// verification never change stored state.
package measurements
