// Package envelope implements the end-to-end encrypted envelope exchanged
// between the application and the vault.
//
// Each envelope is sealed under a fresh X25519 ephemeral keypair: the shared
// secret between the ephemeral private key and the recipient's long-term
// public key is expanded with HKDF-SHA256 into a single-use
// XChaCha20-Poly1305 key. A distinct HKDF info string per message class
// prevents cross-protocol key reuse. Envelopes are optionally signed with
// Ed25519 over the transmitted ciphertext, so the signature authenticates
// what actually crossed the wire.
//
// The API never accepts a caller-supplied ephemeral key or nonce; both are
// drawn fresh inside Seal, making key and nonce reuse structurally
// impossible. All ephemeral and derived secret material is zeroed before
// Seal or Open return.
package envelope
