// Package keystore provides the local long-term key material the client
// needs: its own X25519 encryption keypair and Ed25519 signing key, plus
// the vault's known public keys.
//
// The file-backed implementation stores each key as a hex-encoded file in a
// directory and can generate missing local keys on first use. Private key
// bytes never appear in logs or error messages.
package keystore
