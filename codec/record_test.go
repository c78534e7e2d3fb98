package codec

import (
	"net"
	"testing"

	"blitter.com/go/sxsh/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairedConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func sameKeys() (*Keys, *Keys) {
	k := &Keys{
		CipherKey: make([]byte, keySize),
		MACKey:    make([]byte, keySize),
	}
	for i := range k.CipherKey {
		k.CipherKey[i] = byte(i)
		k.MACKey[i] = byte(i + 1)
	}
	return k, k
}

func TestPlaintextFrameRoundtrip(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, payload, err := server.ReadFrame()
		assert.NoError(t, err)
		assert.Equal(t, FrameKindPlaintext, kind)
		assert.Equal(t, []byte("hello kex"), payload)
	}()

	require.NoError(t, client.WriteFrame(FrameKindPlaintext, []byte("hello kex")))
	<-done
}

func TestEncryptedFrameRoundtrip(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	wk, rk := sameKeys()
	client.SetKeys(wk, rk)
	server.SetKeys(wk, rk)

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan struct{})
	go func() {
		defer close(done)
		kind, payload, err := server.ReadFrame()
		assert.NoError(t, err)
		assert.Equal(t, FrameKindEncrypted, kind)
		assert.Equal(t, msg, payload)
	}()

	require.NoError(t, client.WriteFrame(FrameKindEncrypted, msg))
	<-done
}

func TestEncryptedFrameEmptyPayload(t *testing.T) {
	client, server := pairedConns(t)
	defer client.Close()
	defer server.Close()

	wk, rk := sameKeys()
	client.SetKeys(wk, rk)
	server.SetKeys(wk, rk)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, payload, err := server.ReadFrame()
		assert.NoError(t, err)
		assert.Len(t, payload, 0)
	}()
	require.NoError(t, client.WriteFrame(FrameKindEncrypted, []byte{}))
	<-done
}

func TestOversizeFrameRejected(t *testing.T) {
	client, _ := pairedConns(t)
	defer client.Close()
	big := make([]byte, MaxFrameLen+1)
	err := client.WriteFrame(FrameKindPlaintext, big)
	assert.Error(t, err)
}

func TestTamperedCiphertextFailsIntegrity(t *testing.T) {
	wk, rk := sameKeys()
	sealed, err := seal(wk, []byte("integrity matters"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff // flip a MAC byte
	_, err = open(rk, sealed)
	assert.ErrorIs(t, err, protocol.ErrIntegrityFailure)
}
