package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/primevault/vaultlink/interfaces"
)

const (
	// KeySize is the XChaCha20-Poly1305 key length.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the extended nonce length.
	NonceSize = chacha20poly1305.NonceSizeX

	// Domain separation strings for the two message classes crossing the
	// channel. Requests and replies must never derive the same symmetric
	// key from the same shared secret.
	ClassVaultRequest = "vaultlink/envelope/request/v1"
	ClassVaultReply   = "vaultlink/envelope/reply/v1"

	// signatureContext prefixes every signed (event_id, ciphertext) tuple.
	signatureContext = "vaultlink-envelope-sig-v1"
)

// Envelope is a single encrypted, optionally signed unit of payload.
// Byte-slice fields serialize as base64 per encoding/json.
type Envelope struct {
	EventID            string `json:"event_id"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Ciphertext         []byte `json:"ciphertext"`
	Nonce              []byte `json:"nonce"`
	Signature          []byte `json:"signature,omitempty"`
	SignerKeyID        string `json:"signer_key_id,omitempty"`
}

// Codec seals and opens envelopes of one message class. The class selects
// the HKDF info string; peers must use the request codec for requests and
// the reply codec for replies.
type Codec struct {
	info []byte
}

// NewCodec creates a codec for the given message class. Use the Class*
// constants; custom classes are allowed for additional channels as long as
// both peers agree on the string.
func NewCodec(class string) *Codec {
	return &Codec{info: []byte(class)}
}

// Seal encrypts payload for the recipient's long-term X25519 public key.
// When signKey is non-nil the envelope is signed and signerKeyID recorded.
// A fresh ephemeral keypair and nonce are drawn on every call.
func (c *Codec) Seal(payload, recipientPub []byte, signKey ed25519.PrivateKey, signerKeyID string) (*Envelope, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: recipient public key must be %d bytes", interfaces.ErrSecurity, curve25519.PointSize)
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer zero(ephPriv)

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}

	key, err := deriveKey(ephPriv, recipientPub, c.info)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	env := &Envelope{
		EventID:            uuid.NewString(),
		EphemeralPublicKey: ephPub,
		Ciphertext:         aead.Seal(nil, nonce, payload, nil),
		Nonce:              nonce,
	}

	if signKey != nil {
		env.Signature = ed25519.Sign(signKey, signedMessage(env.EventID, env.Ciphertext))
		env.SignerKeyID = signerKeyID
	}

	return env, nil
}

// Open verifies and decrypts an envelope with the receiver's long-term
// X25519 private key. When senderPub is non-nil the envelope must carry a
// valid Ed25519 signature over the ciphertext; verification happens before
// any decryption is attempted. Open fails closed: no partial plaintext is
// ever returned.
func (c *Codec) Open(env *Envelope, ownPriv []byte, senderPub ed25519.PublicKey) ([]byte, error) {
	if senderPub != nil {
		if len(env.Signature) == 0 {
			return nil, fmt.Errorf("%w: envelope is unsigned but sender key is known", interfaces.ErrSecurity)
		}
		if !ed25519.Verify(senderPub, signedMessage(env.EventID, env.Ciphertext), env.Signature) {
			return nil, fmt.Errorf("%w: envelope signature invalid", interfaces.ErrSecurity)
		}
	}

	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrSecurity, NonceSize)
	}
	if len(env.EphemeralPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: ephemeral public key must be %d bytes", interfaces.ErrSecurity, curve25519.PointSize)
	}

	key, err := deriveKey(ownPriv, env.EphemeralPublicKey, c.info)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: AEAD authentication failed", interfaces.ErrSecurity)
	}
	return plaintext, nil
}

// deriveKey computes the X25519 shared secret and expands it into a
// 256-bit symmetric key with HKDF-SHA256, using info for domain separation.
func deriveKey(priv, pub, info []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: key exchange failed", interfaces.ErrSecurity)
	}
	defer zero(shared)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		zero(key)
		return nil, fmt.Errorf("deriving symmetric key: %w", err)
	}
	return key, nil
}

func signedMessage(eventID string, ciphertext []byte) []byte {
	msg := make([]byte, 0, len(signatureContext)+len(eventID)+len(ciphertext))
	msg = append(msg, signatureContext...)
	msg = append(msg, eventID...)
	msg = append(msg, ciphertext...)
	return msg
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
