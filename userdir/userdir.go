// Package userdir implements the UserDirectory backing store: a lookup
// from username to the credentials needed to satisfy an AUTH_REQUEST
// (bcrypt password hash, authorized public keys).
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package userdir

import (
	"bytes"
	"crypto/rsa"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"blitter.com/go/sxsh/xcrypto"
	"github.com/jameskeane/bcrypt"
)

// ErrNoSuchUser is returned by Lookup for an unknown username. Callers
// performing AUTH_REQUEST verification must not special-case this
// against a present-but-wrong-password failure - doing so would let a
// peer enumerate valid usernames by timing or response shape.
var ErrNoSuchUser = errors.New("no such user")

// Entry is the per-user record a UserDirectory returns.
type Entry struct {
	Username        string
	PasswordHash    string          // bcrypt hash, empty if password auth disallowed
	AuthorizedKeys  []*rsa.PublicKey
}

// Directory looks up per-user credential material. Reload re-reads the
// backing store (wired to the RELOAD_USERS admin message) without
// requiring a server restart.
type Directory interface {
	Lookup(username string) (*Entry, error)
	Reload() error
}

// dummyEntry is matched against on a lookup miss so verification work
// (bcrypt compare) happens on a fixed cost regardless of whether the
// username exists, mirroring the teacher's "$nosuchuser$" dummy record.
var dummyEntry = &Entry{
	Username:     "$nosuchuser$",
	PasswordHash: "$2a$12$l0coBlRDNEJeQVl6GdEPbUC/xmuOANvqgmrMVum6S4i.EXPgnTXy6",
}

// FileDirectory is a CSV-backed UserDirectory, one line per user:
//
//	username:bcrypt_hash:authorized_key_b64,authorized_key_b64,...
//
// '#' starts a comment line; ':' is the field delimiter, matching the
// teacher's xs.passwd format.
type FileDirectory struct {
	path string

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewFileDirectory loads path immediately; call Reload later to pick up
// out-of-band edits to the file.
func NewFileDirectory(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FileDirectory) Reload() error {
	b, err := os.ReadFile(d.path) // nolint: gosec
	if err != nil {
		return fmt.Errorf("userdir: cannot read %s: %w", d.path, err)
	}

	r := csv.NewReader(bytes.NewReader(b))
	r.Comma = ':'
	r.Comment = '#'
	r.FieldsPerRecord = -1

	entries := make(map[string]*Entry)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("userdir: malformed entry in %s: %w", d.path, err)
		}
		if len(record) < 2 {
			continue
		}
		e := &Entry{Username: record[0], PasswordHash: record[1]}
		if len(record) >= 3 && record[2] != "" {
			for _, keyStr := range strings.Split(record[2], ",") {
				pub, err := xcrypto.ParsePublicKey(keyStr)
				if err != nil {
					return fmt.Errorf("userdir: bad authorized key for %s: %w", e.Username, err)
				}
				e.AuthorizedKeys = append(e.AuthorizedKeys, pub)
			}
		}
		entries[e.Username] = e
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	return nil
}

// Lookup returns e's credential record, or ErrNoSuchUser. Every path
// (including the miss path) returns an *Entry suitable for feeding to a
// bcrypt compare, so verification cost is uniform.
func (d *FileDirectory) Lookup(username string) (*Entry, error) {
	d.mu.RLock()
	e, ok := d.entries[username]
	d.mu.RUnlock()
	if !ok {
		return dummyEntry, ErrNoSuchUser
	}
	return e, nil
}

// VerifyPassword checks candidate against e's stored bcrypt hash. It is
// safe to call on the dummyEntry returned for a lookup miss - the
// result will always be false, but the bcrypt cost is paid regardless.
func VerifyPassword(e *Entry, candidate string) bool {
	if e.PasswordHash == "" {
		return false
	}
	hashed, err := bcrypt.Hash(candidate, e.PasswordHash)
	if err != nil {
		return false
	}
	return hashed == e.PasswordHash
}

// VerifyPublicKey reports whether candidate matches one of e's
// authorized keys (by modulus and exponent).
func VerifyPublicKey(e *Entry, candidate *rsa.PublicKey) bool {
	for _, k := range e.AuthorizedKeys {
		if k.E == candidate.E && k.N.Cmp(candidate.N) == 0 {
			return true
		}
	}
	return false
}
