package xsession

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/userdir"
	"blitter.com/go/sxsh/xcrypto"
	"github.com/jameskeane/bcrypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, username, password string) userdir.Directory {
	t.Helper()
	salt, err := bcrypt.Salt()
	require.NoError(t, err)
	hash, err := bcrypt.Hash(password, salt)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sxsh.passwd")
	require.NoError(t, os.WriteFile(path, []byte(username+":"+hash+":\n"), 0600))
	dir, err := userdir.NewFileDirectory(path)
	require.NoError(t, err)
	return dir
}

func TestHandshakeAndPasswordAuthSucceeds(t *testing.T) {
	hostKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)
	dir := newTestDirectory(t, "alice", "hunter2")

	clientConn, serverConn := net.Pipe()

	serverDone := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, ServerConfig{HostKey: hostKey, Directory: dir})
		serverDone <- err
	}()

	sess, err := Connect(clientConn, ClientConfig{
		Username:       "alice",
		AuthType:       protocol.AuthPassword,
		Password:       "hunter2",
		TrustedHostKey: &hostKey.PublicKey,
		ClientIDString: "sxsh-test-client",
	})
	require.NoError(t, err)
	assert.Equal(t, StateServiceActive, sess.State())
	assert.NotEmpty(t, sess.SessionID())

	require.NoError(t, <-serverDone)
}

func TestHandshakeWrongPasswordFails(t *testing.T) {
	hostKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)
	dir := newTestDirectory(t, "alice", "hunter2")

	clientConn, serverConn := net.Pipe()

	serverDone := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, ServerConfig{HostKey: hostKey, Directory: dir})
		serverDone <- err
	}()

	_, err = Connect(clientConn, ClientConfig{
		Username:       "alice",
		AuthType:       protocol.AuthPassword,
		Password:       "wrong-password",
		TrustedHostKey: &hostKey.PublicKey,
		ClientIDString: "sxsh-test-client",
	})
	assert.ErrorIs(t, err, protocol.ErrAuthFailure)
	assert.Error(t, <-serverDone)
}

func TestHandshakeHostKeyMismatchRejected(t *testing.T) {
	hostKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)
	wrongKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)
	dir := newTestDirectory(t, "alice", "hunter2")

	clientConn, serverConn := net.Pipe()

	go func() {
		_, _ = Accept(serverConn, ServerConfig{HostKey: hostKey, Directory: dir})
	}()

	_, err = Connect(clientConn, ClientConfig{
		Username:       "alice",
		AuthType:       protocol.AuthPassword,
		Password:       "hunter2",
		TrustedHostKey: &wrongKey.PublicKey,
		ClientIDString: "sxsh-test-client",
	})
	assert.ErrorIs(t, err, protocol.ErrHostKeyMismatch)
}

func TestHandshakePublicKeyAuthSucceeds(t *testing.T) {
	hostKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)
	userKey, err := xcrypto.GenerateHostKey()
	require.NoError(t, err)

	pubEnc, err := xcrypto.MarshalPublicKey(&userKey.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sxsh.passwd")
	require.NoError(t, os.WriteFile(path, []byte("bob::"+pubEnc+"\n"), 0600))
	dir, err := userdir.NewFileDirectory(path)
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	serverDone := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, ServerConfig{HostKey: hostKey, Directory: dir})
		serverDone <- err
	}()

	sess, err := Connect(clientConn, ClientConfig{
		Username:       "bob",
		AuthType:       protocol.AuthPublicKey,
		PrivateKey:     userKey,
		TrustedHostKey: &hostKey.PublicKey,
		ClientIDString: "sxsh-test-client",
	})
	require.NoError(t, err)
	assert.Equal(t, StateServiceActive, sess.State())
	require.NoError(t, <-serverDone)
}
