package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Key file names inside the store directory. Local keys hold 32-byte seeds;
// vault keys hold the peer's 32-byte public keys. All files are hex encoded.
const (
	localEncryptionKeyFile = "enc.key"
	localSigningKeyFile    = "sign.key"
	vaultEncryptionPubFile = "vault_enc.pub"
	vaultSigningPubFile    = "vault_sign.pub"
)

// FileStore is a directory-backed key store.
type FileStore struct {
	dir string
}

// Open uses an existing key directory. Local keys must be provisioned
// beforehand, e.g. with OpenOrInit.
func Open(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key store path %s is not a directory", dir)
	}
	return &FileStore{dir: dir}, nil
}

// OpenOrInit opens the key directory, creating it and generating the local
// keypairs if missing. The vault's public keys are provisioned separately
// during enrollment.
func OpenOrInit(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key store directory: %w", err)
	}
	s := &FileStore{dir: dir}

	if _, err := s.readKey(localEncryptionKeyFile, curve25519.ScalarSize); errors.Is(err, os.ErrNotExist) {
		seed := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, fmt.Errorf("generating encryption key: %w", err)
		}
		if err := s.writeKey(localEncryptionKeyFile, seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if _, err := s.readKey(localSigningKeyFile, ed25519.SeedSize); errors.Is(err, os.ErrNotExist) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		if err := s.writeKey(localSigningKeyFile, seed); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return s, nil
}

// SetVaultKeys records the vault's public keys, typically obtained during
// enrollment.
func (s *FileStore) SetVaultKeys(encryptionPub []byte, signingPub ed25519.PublicKey) error {
	if len(encryptionPub) != curve25519.PointSize {
		return fmt.Errorf("vault encryption key must be %d bytes", curve25519.PointSize)
	}
	if len(signingPub) != ed25519.PublicKeySize {
		return fmt.Errorf("vault signing key must be %d bytes", ed25519.PublicKeySize)
	}
	if err := s.writeKey(vaultEncryptionPubFile, encryptionPub); err != nil {
		return err
	}
	return s.writeKey(vaultSigningPubFile, signingPub)
}

// LocalEncryptionKey returns the local X25519 keypair.
func (s *FileStore) LocalEncryptionKey() (pub, priv []byte, err error) {
	priv, err = s.readKey(localEncryptionKeyFile, curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving encryption public key: %w", err)
	}
	return pub, priv, nil
}

// LocalSigningKey returns the local Ed25519 private key.
func (s *FileStore) LocalSigningKey() (ed25519.PrivateKey, error) {
	seed, err := s.readKey(localSigningKeyFile, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// VaultEncryptionKey returns the vault's X25519 public key.
func (s *FileStore) VaultEncryptionKey() ([]byte, error) {
	return s.readKey(vaultEncryptionPubFile, curve25519.PointSize)
}

// VaultSigningKey returns the vault's Ed25519 public key.
func (s *FileStore) VaultSigningKey() (ed25519.PublicKey, error) {
	key, err := s.readKey(vaultSigningPubFile, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(key), nil
}

func (s *FileStore) readKey(name string, size int) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not valid hex", name)
	}
	if len(key) != size {
		return nil, fmt.Errorf("key file %s must hold %d bytes, has %d", name, size, len(key))
	}
	return key, nil
}

func (s *FileStore) writeKey(name string, key []byte) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing key file %s: %w", name, err)
	}
	return nil
}
