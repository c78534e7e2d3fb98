package xcrypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffieHellmanAgreement(t *testing.T) {
	client, err := GenerateKeyPair()
	require.NoError(t, err)
	server, err := GenerateKeyPair()
	require.NoError(t, err)

	clientSecret, err := SharedSecret(client, server.Public)
	require.NoError(t, err)
	serverSecret, err := SharedSecret(server, client.Public)
	require.NoError(t, err)

	assert.Equal(t, clientSecret, serverSecret)
}

func TestSharedSecretRejectsOutOfBounds(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = SharedSecret(kp, big.NewInt(0))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = SharedSecret(kp, big.NewInt(1))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = SharedSecret(kp, group14P)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestRSASignVerifyRoundtrip(t *testing.T) {
	priv, err := GenerateHostKey()
	require.NoError(t, err)

	msg := []byte("dh public value to be signed")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	assert.NoError(t, Verify(&priv.PublicKey, msg, sig))
	assert.Error(t, Verify(&priv.PublicKey, []byte("tampered"), sig))
}

func TestPublicKeyMarshalRoundtrip(t *testing.T) {
	priv, err := GenerateHostKey()
	require.NoError(t, err)

	enc, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	pub, err := ParsePublicKey(enc)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)
	assert.Equal(t, priv.PublicKey.E, pub.E)
}

func TestPrivateKeyMarshalRoundtrip(t *testing.T) {
	priv, err := GenerateHostKey()
	require.NoError(t, err)

	enc, err := MarshalPrivateKey(priv)
	require.NoError(t, err)

	got, err := ParsePrivateKey(enc)
	require.NoError(t, err)
	assert.Equal(t, priv.D, got.D)
}

func TestDeriveKeysDeterministic(t *testing.T) {
	secret := []byte("shared secret bytes")
	k1 := DeriveKeys(secret)
	k2 := DeriveKeys(secret)
	assert.Equal(t, k1.CipherKey, k2.CipherKey)
	assert.Equal(t, k1.MACKey, k2.MACKey)
	assert.NotEqual(t, k1.CipherKey, k1.MACKey)
	assert.Len(t, k1.CipherKey, 32)
	assert.Len(t, k1.MACKey, 32)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey("not-valid-base64!!!")
	assert.ErrorIs(t, err, ErrKeyDecode)
}
