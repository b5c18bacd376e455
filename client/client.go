package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/primevault/vaultlink/envelope"
	"github.com/primevault/vaultlink/interfaces"
	"github.com/primevault/vaultlink/measurements"
	"github.com/primevault/vaultlink/transport"
)

// Config configures a vault client.
type Config struct {
	// Bus is the process-wide bus connection shared by all calls.
	Bus interfaces.Bus

	// Keys provides the local keypairs and the vault's public keys.
	Keys interfaces.KeyStore

	// Trust is the attestation trust store consulted by VerifyPeer.
	// Optional; VerifyPeer fails when absent.
	Trust *measurements.TrustStore

	// Transport configures the underlying correlator (routing prefix,
	// timeouts, durable consumer, legacy fallback).
	Transport transport.Config

	// SignerKeyID is recorded on outgoing envelopes so the vault can
	// select the right verification key during key rollover.
	SignerKeyID string

	Log *slog.Logger
}

// Client issues sealed, correlated calls against the vault.
type Client struct {
	corr   *transport.Correlator
	keys   interfaces.KeyStore
	trust  *measurements.TrustStore
	sealer transport.Sealer
	log    *slog.Logger
}

// New creates a client and establishes the reply subscription.
func New(cfg Config) (*Client, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Transport.Log == nil {
		cfg.Transport.Log = cfg.Log
	}

	corr, err := transport.New(cfg.Bus, cfg.Transport)
	if err != nil {
		return nil, err
	}

	return &Client{
		corr:  corr,
		keys:  cfg.Keys,
		trust: cfg.Trust,
		log:   cfg.Log,
		sealer: &callSealer{
			requestCodec: envelope.NewCodec(envelope.ClassVaultRequest),
			replyCodec:   envelope.NewCodec(envelope.ClassVaultReply),
			keys:         cfg.Keys,
			signerKeyID:  cfg.SignerKeyID,
		},
	}, nil
}

// Close tears down the reply subscription. The bus connection is owned by
// the caller and stays open.
func (c *Client) Close() error {
	return c.corr.Close()
}

// Call invokes a vault operation with an end-to-end encrypted, signed
// envelope and returns the opened, parsed reply.
func (c *Client) Call(ctx context.Context, operation string, fields map[string]any, opts ...transport.CallOption) (*interfaces.ReplyMessage, error) {
	opts = append(opts, transport.WithSealer(c.sealer))
	return c.corr.Call(ctx, operation, fields, opts...)
}

// CallPlain invokes an operation without channel-level encryption, for
// operations whose payloads carry no secrets.
func (c *Client) CallPlain(ctx context.Context, operation string, fields map[string]any, opts ...transport.CallOption) (*interfaces.ReplyMessage, error) {
	return c.corr.Call(ctx, operation, fields, opts...)
}

// RefreshTrust fetches the signed measurement feed if the refresh interval
// has elapsed.
func (c *Client) RefreshTrust(ctx context.Context) error {
	if c.trust == nil {
		return nil
	}
	return c.trust.CheckForUpdate(ctx)
}

// VerifyPeer checks the measurements claimed by the peer's attestation
// document against the trusted current and previous sets. A mismatch is
// fatal to the calling flow and must never be downgraded to a retry.
func (c *Client) VerifyPeer(doc []byte) error {
	if c.trust == nil {
		return fmt.Errorf("%w: no trust store configured", interfaces.ErrAttestationMismatch)
	}
	var parsed measurements.Document
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("%w: unparseable attestation document", interfaces.ErrAttestationMismatch)
	}
	return c.trust.VerifyDocument(&parsed)
}

// callSealer adapts the envelope codecs and key store to the transport's
// Sealer interface: requests are sealed for the vault and signed locally,
// replies are verified against the vault's signing key and opened with the
// local encryption key.
type callSealer struct {
	requestCodec *envelope.Codec
	replyCodec   *envelope.Codec
	keys         interfaces.KeyStore
	signerKeyID  string
}

func (s *callSealer) Seal(payload []byte) ([]byte, error) {
	vaultPub, err := s.keys.VaultEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("loading vault encryption key: %w", err)
	}
	signKey, err := s.keys.LocalSigningKey()
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	env, err := s.requestCodec.Seal(payload, vaultPub, signKey, s.signerKeyID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (s *callSealer) Open(payload []byte) ([]byte, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: reply is not a sealed envelope", interfaces.ErrSecurity)
	}
	_, ownPriv, err := s.keys.LocalEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("loading encryption key: %w", err)
	}
	vaultSignPub, err := s.keys.VaultSigningKey()
	if err != nil {
		return nil, fmt.Errorf("loading vault signing key: %w", err)
	}
	return s.replyCodec.Open(&env, ownPriv, vaultSignPub)
}
