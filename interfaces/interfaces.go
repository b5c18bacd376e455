package interfaces

import "crypto/ed25519"

// BusMessage is a single message observed on the bus.
type BusMessage struct {
	Subject string
	Data    []byte
}

// Unsubscriber tears down a single subscription without affecting the
// underlying connection or any other subscription sharing it.
type Unsubscriber interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe collaborator the transport layer builds on.
// Subjects are dot-separated routing keys; '>' matches any remaining tokens
// and '*' matches exactly one token in subscription patterns.
//
// Publish is fire-and-forget with at-most-once semantics unless the
// implementation is configured for durable (acknowledged) delivery.
type Bus interface {
	Publish(subject string, data []byte) error

	// Subscribe registers a handler for all messages matching the subject
	// pattern. Handlers may be invoked concurrently.
	Subscribe(subject string, handler func(BusMessage)) (Unsubscriber, error)

	// SubscribeDurable registers a named durable consumer bound to the
	// subject pattern, giving at-least-once delivery where the
	// implementation supports it. Implementations without durable
	// semantics fall back to Subscribe.
	SubscribeDurable(subject, durable string, handler func(BusMessage)) (Unsubscriber, error)

	// Connected reports whether the underlying connection is usable.
	Connected() bool
}

// KeyStore provides the local long-term key material and the vault's known
// public keys. Implementations must never log or otherwise expose private
// key bytes.
type KeyStore interface {
	// LocalEncryptionKey returns the local long-term X25519 keypair used
	// to receive sealed replies.
	LocalEncryptionKey() (pub, priv []byte, err error)

	// LocalSigningKey returns the Ed25519 key used to sign outgoing
	// envelopes.
	LocalSigningKey() (ed25519.PrivateKey, error)

	// VaultEncryptionKey returns the vault's long-term X25519 public key,
	// the recipient of sealed requests.
	VaultEncryptionKey() ([]byte, error)

	// VaultSigningKey returns the vault's Ed25519 public key used to
	// verify signed replies.
	VaultSigningKey() (ed25519.PublicKey, error)
}
