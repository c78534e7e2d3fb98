package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, m Message) Message {
	t.Helper()
	buf := Encode(m)
	got, err := Decode(buf)
	require.NoError(t, err)
	return got
}

func TestKexInitRoundtrip(t *testing.T) {
	m := &KexInit{DHPub: []byte{1, 2, 3, 4}, ClientIDString: "sxsh-client-1.0"}
	got := roundtrip(t, m)
	assert.Equal(t, m, got)
	assert.Equal(t, MsgKexInit, got.Type())
}

func TestKexReplyRoundtrip(t *testing.T) {
	m := &KexReply{
		DHPub:        []byte{9, 8, 7},
		ServerRSAPub: "base64pubkeydata",
		Signature:    []byte{0xde, 0xad, 0xbe, 0xef},
		SessionID:    "0123456789abcdef0123456789abcdef",
	}
	got := roundtrip(t, m)
	assert.Equal(t, m, got)
}

func TestAuthRequestRoundtrip(t *testing.T) {
	m := &AuthRequest{
		Username: "alice",
		AuthType: AuthDual,
		Password: "hunter2",
	}
	got := roundtrip(t, m).(*AuthRequest)
	assert.Equal(t, m.Username, got.Username)
	assert.Equal(t, AuthDual, got.AuthType)
	assert.Equal(t, "hunter2", got.Password)
	assert.Empty(t, got.PublicKey)
	assert.Empty(t, got.Signature)
}

func TestShellResultRoundtrip(t *testing.T) {
	m := &ShellResult{
		Stdout:    "hello\n",
		Stderr:    "",
		ExitCode:  -1,
		Cwd:       "/home/alice",
		RequestID: "req-1",
	}
	got := roundtrip(t, m)
	assert.Equal(t, m, got)
}

func TestFileDataEmptyChunk(t *testing.T) {
	m := &FileData{
		Filename:  "empty.txt",
		Seq:       0,
		IsLast:    true,
		FileSize:  0,
		Data:      []byte{},
		RequestID: "req-2",
	}
	got := roundtrip(t, m).(*FileData)
	assert.Equal(t, uint32(0), got.Seq)
	assert.True(t, got.IsLast)
	assert.Equal(t, uint64(0), got.FileSize)
	assert.Len(t, got.Data, 0)
}

func TestPortForwardRequestRoundtrip(t *testing.T) {
	m := &PortForwardRequest{
		Kind:         ForwardRemote,
		SourcePort:   8080,
		DestHost:     "localhost",
		DestPort:     80,
		ConnectionID: "conn-xyz",
	}
	got := roundtrip(t, m)
	assert.Equal(t, m, got)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	buf := []byte{0xff, 0xff}
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte{})
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestFieldReaderRejectsTagMismatch(t *testing.T) {
	buf := Encode(&AuthSuccess{})
	_, err := decodeAuthFailure(buf)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "KEX_INIT", MsgKexInit.String())
	assert.Equal(t, "RELOAD_USERS", MsgReloadUsers.String())
	assert.Contains(t, MessageType(999).String(), "UNKNOWN")
}
