package userdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jameskeane/bcrypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePasswdFile(t *testing.T, entries string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sxsh.passwd")
	require.NoError(t, os.WriteFile(path, []byte(entries), 0600))
	return path
}

func TestFileDirectoryLookupAndVerify(t *testing.T) {
	salt, err := bcrypt.Salt()
	require.NoError(t, err)
	hash, err := bcrypt.Hash("hunter2", salt)
	require.NoError(t, err)

	path := writePasswdFile(t, "# comment line\nalice:"+hash+":\n")
	d, err := NewFileDirectory(path)
	require.NoError(t, err)

	e, err := d.Lookup("alice")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(e, "hunter2"))
	assert.False(t, VerifyPassword(e, "wrong"))
}

func TestFileDirectoryLookupMiss(t *testing.T) {
	path := writePasswdFile(t, "alice:somehash:\n")
	d, err := NewFileDirectory(path)
	require.NoError(t, err)

	e, err := d.Lookup("bob")
	assert.ErrorIs(t, err, ErrNoSuchUser)
	assert.False(t, VerifyPassword(e, "anything"))
}

func TestFileDirectoryReloadPicksUpChanges(t *testing.T) {
	path := writePasswdFile(t, "alice:hash1:\n")
	d, err := NewFileDirectory(path)
	require.NoError(t, err)

	_, err = d.Lookup("bob")
	assert.ErrorIs(t, err, ErrNoSuchUser)

	require.NoError(t, os.WriteFile(path, []byte("alice:hash1:\nbob:hash2:\n"), 0600))
	require.NoError(t, d.Reload())

	e, err := d.Lookup("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", e.Username)
}
