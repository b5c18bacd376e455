// Package client is the top-level facade for talking to the vault: it wires
// the transport correlator, the secure envelope codecs, the attestation
// trust store and the key store into a single Call interface.
//
// A call seals the request for the vault's long-term encryption key, signs
// it with the local key, publishes it under the session's routing prefix and
// opens the correlated, signed reply. Before trusting claims from a freshly
// attested peer, callers verify the peer's attestation document against the
// trust store with VerifyPeer.
package client
