// Package interfaces defines the core contracts and shared types of the
// vaultlink system: the message-bus collaborator interface, the key store
// collaborator interface, the request/reply wire messages, and the error
// taxonomy shared by all components.
//
// Implementations live in their own packages (transport for the bus,
// keystore for key material); this package carries no implementation
// details so that components depend on contracts rather than each other.
package interfaces
