package userdir

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	passlib "gopkg.in/hlandau/passlib.v1"
)

// ShadowDirectory authenticates against the host's own shadow password
// database instead of a dedicated credentials file. It implements only
// the password half of Directory - AuthorizedKeys is always empty, so
// auth_type publickey/dual against a ShadowDirectory always fails
// public-key verification and falls through to AUTH_FAILURE.
type ShadowDirectory struct {
	path string // /etc/shadow or /etc/master.passwd

	mu sync.Mutex
}

// NewShadowDirectory selects the platform's shadow file path.
func NewShadowDirectory() (*ShadowDirectory, error) {
	var path string
	switch runtime.GOOS {
	case "linux":
		path = "/etc/shadow"
	case "freebsd":
		path = "/etc/master.passwd"
	default:
		return nil, fmt.Errorf("userdir: no shadow-style password database on %s", runtime.GOOS)
	}
	passlib.UseDefaults(passlib.Defaults20180601)
	return &ShadowDirectory{path: path}, nil
}

// Reload is a no-op: the shadow file is read fresh on every Lookup, so
// there is nothing cached to invalidate.
func (s *ShadowDirectory) Reload() error { return nil }

// Lookup reads the shadow file and returns an Entry whose PasswordHash
// is the passlib-format hash for username, verifiable via
// VerifyShadowPassword (passlib hashes are not bcrypt.Hash-compatible,
// so VerifyPassword must not be used against a ShadowDirectory Entry).
func (s *ShadowDirectory) Lookup(username string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path) // nolint: gosec
	if err != nil {
		return dummyEntry, fmt.Errorf("userdir: cannot read %s: %w", s.path, err)
	}

	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 2 {
			continue
		}
		if fields[0] == username {
			return &Entry{Username: username, PasswordHash: fields[1]}, nil
		}
	}
	return dummyEntry, ErrNoSuchUser
}

// VerifyShadowPassword checks candidate against a ShadowDirectory
// Entry's passlib-format hash.
func VerifyShadowPassword(e *Entry, candidate string) bool {
	if e.PasswordHash == "" || e.PasswordHash == "*" || e.PasswordHash == "!" {
		return false
	}
	if err := passlib.VerifyNoUpgrade(candidate, e.PasswordHash); err != nil {
		return false
	}
	return true
}
