package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/primevault/vaultlink/envelope"
	"github.com/primevault/vaultlink/interfaces"
	"github.com/primevault/vaultlink/keystore"
	"github.com/primevault/vaultlink/measurements"
	"github.com/primevault/vaultlink/transport"
)

const testPrefix = "enroll.e2e"

// fakeAttestedVault is the remote side: it opens sealed requests, answers
// them with sealed, signed replies on the unique reply subject, and claims
// a fixed set of measurements.
type fakeAttestedVault struct {
	t   *testing.T
	bus *transport.InmemBus

	encPriv []byte
	encPub  []byte
	signKey ed25519.PrivateKey
	signPub ed25519.PublicKey

	clientEncPub  []byte
	clientSignPub ed25519.PublicKey

	requestCodec *envelope.Codec
	replyCodec   *envelope.Codec

	pcrs map[string]string
}

func newFakeAttestedVault(t *testing.T, bus *transport.InmemBus) *fakeAttestedVault {
	t.Helper()
	encPriv := make([]byte, curve25519.ScalarSize)
	_, err := io.ReadFull(rand.Reader, encPriv)
	require.NoError(t, err)
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	require.NoError(t, err)
	signPub, signKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := &fakeAttestedVault{
		t:            t,
		bus:          bus,
		encPriv:      encPriv,
		encPub:       encPub,
		signKey:      signKey,
		signPub:      signPub,
		requestCodec: envelope.NewCodec(envelope.ClassVaultRequest),
		replyCodec:   envelope.NewCodec(envelope.ClassVaultReply),
		pcrs: map[string]string{
			"PCR0": "aa01",
			"PCR1": "bb02",
			"PCR2": "cc03",
		},
	}
	_, err = bus.Subscribe(testPrefix+".forVault.>", v.onRequest)
	require.NoError(t, err)
	return v
}

func (v *fakeAttestedVault) onRequest(msg interfaces.BusMessage) {
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return
	}
	payload, err := v.requestCodec.Open(&env, v.encPriv, v.clientSignPub)
	if err != nil {
		return
	}
	var req map[string]any
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	id, _ := req["id"].(string)
	operation, _ := req["type"].(string)

	reply := map[string]any{
		"id":      id,
		"type":    operation + ".response",
		"success": true,
		"result":  map[string]any{"echo": req["ask"]},
	}
	data, _ := json.Marshal(reply)

	sealed, err := v.replyCodec.Seal(data, v.clientEncPub, v.signKey, "vault-key-1")
	require.NoError(v.t, err)
	wire, _ := json.Marshal(sealed)
	v.bus.Publish(testPrefix+".forApp."+operation+".response."+id, wire)
}

func (v *fakeAttestedVault) attestationDocument() []byte {
	doc, _ := json.Marshal(measurements.Document{PCRs: v.pcrs, ModuleID: "vault-e2e"})
	return doc
}

func newTestClient(t *testing.T, bus *transport.InmemBus, vault *fakeAttestedVault) *Client {
	t.Helper()
	keys, err := keystore.OpenOrInit(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, keys.SetVaultKeys(vault.encPub, vault.signPub))

	clientEncPub, _, err := keys.LocalEncryptionKey()
	require.NoError(t, err)
	clientSignKey, err := keys.LocalSigningKey()
	require.NoError(t, err)
	vault.clientEncPub = clientEncPub
	vault.clientSignPub = clientSignKey.Public().(ed25519.PublicKey)

	trust, err := measurements.New(measurements.Config{
		Bundled: &measurements.Set{Values: vault.pcrs, Version: "e2e"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { trust.Close() })

	c, err := New(Config{
		Bus:   bus,
		Keys:  keys,
		Trust: trust,
		Transport: transport.Config{
			RoutingPrefix:  testPrefix,
			DefaultTimeout: 2 * time.Second,
		},
		SignerKeyID: "client-key-1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSealedCallRoundTrip(t *testing.T) {
	bus := transport.NewInmemBus()
	vault := newFakeAttestedVault(t, bus)
	c := newTestClient(t, bus, vault)

	require.NoError(t, c.VerifyPeer(vault.attestationDocument()))

	reply, err := c.Call(context.Background(), "secret.get", map[string]any{"ask": "hello vault"})
	require.NoError(t, err)
	require.NotNil(t, reply.Success)
	assert.True(t, *reply.Success)

	var echo string
	require.NoError(t, json.Unmarshal(reply.Result["echo"], &echo))
	assert.Equal(t, "hello vault", echo)
}

func TestReplySignedByWrongKeyIsSecurityError(t *testing.T) {
	bus := transport.NewInmemBus()
	vault := newFakeAttestedVault(t, bus)
	c := newTestClient(t, bus, vault)

	// The vault's signing key is swapped after enrollment: replies no
	// longer verify and must surface as a security failure, not a retry.
	_, rogue, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	vault.signKey = rogue

	_, err = c.Call(context.Background(), "secret.get", map[string]any{"ask": "x"},
		transport.WithTimeout(500*time.Millisecond))
	assert.ErrorIs(t, err, interfaces.ErrSecurity)
}

func TestVerifyPeerMismatchIsFatal(t *testing.T) {
	bus := transport.NewInmemBus()
	vault := newFakeAttestedVault(t, bus)
	c := newTestClient(t, bus, vault)

	doc, _ := json.Marshal(measurements.Document{PCRs: map[string]string{
		"PCR0": "dead",
		"PCR1": "beef",
		"PCR2": "0000",
	}})
	assert.ErrorIs(t, c.VerifyPeer(doc), interfaces.ErrAttestationMismatch)
	assert.ErrorIs(t, c.VerifyPeer([]byte("not json")), interfaces.ErrAttestationMismatch)
}

func TestPlainCallSkipsEnvelope(t *testing.T) {
	bus := transport.NewInmemBus()
	scheme := testPrefix

	// A plaintext responder: plain JSON in, plain JSON out.
	_, err := bus.Subscribe(scheme+".forVault.>", func(msg interfaces.BusMessage) {
		var req map[string]any
		if json.Unmarshal(msg.Data, &req) != nil {
			return
		}
		id, _ := req["id"].(string)
		operation, _ := req["type"].(string)
		data, _ := json.Marshal(map[string]any{"id": id, "type": operation + ".response", "success": true})
		bus.Publish(scheme+".forApp."+operation+".response."+id, data)
	})
	require.NoError(t, err)

	keys, err := keystore.OpenOrInit(t.TempDir())
	require.NoError(t, err)

	c, err := New(Config{
		Bus:  bus,
		Keys: keys,
		Transport: transport.Config{
			RoutingPrefix:  testPrefix,
			DefaultTimeout: 2 * time.Second,
		},
	})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.CallPlain(context.Background(), "status", nil)
	require.NoError(t, err)
	assert.Equal(t, "status.response", reply.Type)
}
