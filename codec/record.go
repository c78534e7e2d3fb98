// Package codec implements the record layer: length-prefixed frame I/O
// over a net.Conn, with a 1-byte frame-kind discriminant separating
// plaintext key-exchange frames from the AES-256-CBC + HMAC-SHA256
// encrypted frames used for everything after KEX_REPLY.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"blitter.com/go/sxsh/protocol"
	"github.com/sirupsen/logrus"
)

// log is nil until SetLogger is called (cmd/sxshd, cmd/sxsh do this at
// startup), so codec stays silent in tests and any other caller that
// never wires a structured logger.
var log *logrus.Logger

// SetLogger installs l for codec's own fatal-error logging. Per
// spec.md §7, only sizes/types/addresses are ever logged here - never
// message payload contents.
func SetLogger(l *logrus.Logger) { log = l }

// FrameKind is the 1-byte discriminant prefixing every frame.
type FrameKind uint8

const (
	// FrameKindPlaintext carries KEX_INIT/KEX_REPLY records, sent before
	// the symmetric keys exist to encrypt anything.
	FrameKindPlaintext FrameKind = iota
	// FrameKindEncrypted carries every record once the session has keys.
	FrameKindEncrypted
)

// MaxFrameLen bounds a single frame's payload (post-decrypt, pre-padding),
// guarding against a peer claiming an absurd length and exhausting
// memory before the length is even validated.
const MaxFrameLen = 16 * 1024 * 1024 // 16 MiB

const (
	keySize = 32 // AES-256
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

// Keys holds the derived symmetric material for one direction's traffic.
// xcrypto.DeriveKeys produces a single Keys value from the shared
// secret, and xsession installs that same value for both directions.
type Keys struct {
	CipherKey []byte // 32 bytes, AES-256
	MACKey    []byte // 32 bytes, HMAC-SHA256
}

// Conn wraps a net.Conn with the frame layer. SetKeys takes separate
// write and read Keys; xsession passes the same Keys for both, so both
// directions of a session are sealed with one key pair.
type Conn struct {
	nc net.Conn

	wmu    sync.Mutex // serializes writers, mirrors the teacher's hc.Lock()
	wkeys  *Keys
	rkeys  *Keys
	closed bool
}

// NewConn wraps nc for frame I/O. Keys are unset until SetKeys is
// called; until then only WriteFrame(FrameKindPlaintext, ...) and
// ReadFrame returning FrameKindPlaintext are valid, matching the
// pre-KEX phase of the session state machine.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// SetKeys installs the post-KEX symmetric keys. wkeys is used to
// encrypt frames this side writes; rkeys is used to verify/decrypt
// frames this side reads.
func (c *Conn) SetKeys(wkeys, rkeys *Keys) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wkeys = wkeys
	c.rkeys = rkeys
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.closed = true
	return c.nc.Close()
}

// WriteFrame sends payload as one frame. For FrameKindEncrypted, wkeys
// must already be installed via SetKeys.
func (c *Conn) WriteFrame(kind FrameKind, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: payload %d exceeds max frame length %d", protocol.ErrFramingError, len(payload), MaxFrameLen)
	}

	var body []byte
	var err error
	switch kind {
	case FrameKindPlaintext:
		body = payload
	case FrameKindEncrypted:
		c.wmu.Lock()
		keys := c.wkeys
		c.wmu.Unlock()
		if keys == nil {
			return fmt.Errorf("%w: encrypted write attempted before keys installed", protocol.ErrProtocolError)
		}
		body, err = seal(keys, payload)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown frame kind %d", protocol.ErrFramingError, kind)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	hdr := make([]byte, 5)
	hdr[0] = byte(kind)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := c.nc.Write(hdr); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	if _, err := c.nc.Write(body); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return nil
}

// ReadFrame reads one frame and, if encrypted, verifies and decrypts
// it. The returned payload is always the plaintext Message wire record.
func (c *Conn) ReadFrame() (FrameKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, protocol.ErrConnectionClosed
		}
		return 0, nil, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	kind := FrameKind(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])
	maxBody := uint32(MaxFrameLen)
	if kind == FrameKindEncrypted {
		// iv, at most one block of padding, and the MAC wrap the payload.
		maxBody += ivSize + aes.BlockSize + macSize
	}
	if length > maxBody {
		if log != nil {
			log.WithField("claimed_len", length).Error("codec: peer claimed an oversized frame")
		}
		return 0, nil, fmt.Errorf("%w: claimed frame length %d exceeds max %d", protocol.ErrFramingError, length, maxBody)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", protocol.ErrFramingError, err)
	}

	switch kind {
	case FrameKindPlaintext:
		return kind, body, nil
	case FrameKindEncrypted:
		c.wmu.Lock()
		keys := c.rkeys
		c.wmu.Unlock()
		if keys == nil {
			return 0, nil, fmt.Errorf("%w: encrypted frame received before keys installed", protocol.ErrProtocolError)
		}
		plain, err := open(keys, body)
		if err != nil {
			return 0, nil, err
		}
		if len(plain) > MaxFrameLen {
			return 0, nil, fmt.Errorf("%w: payload length %d exceeds max %d", protocol.ErrFramingError, len(plain), MaxFrameLen)
		}
		return kind, plain, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown frame kind %d", protocol.ErrFramingError, kind)
	}
}

// seal encrypts then MACs: iv || AES-256-CBC(pkcs7(payload)) || HMAC-SHA256(iv||ciphertext).
func seal(keys *Keys, payload []byte) ([]byte, error) {
	if len(keys.CipherKey) != keySize || len(keys.MACKey) != keySize {
		return nil, fmt.Errorf("%w: malformed key material", protocol.ErrProtocolError)
	}
	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolError, err)
	}

	padded := pkcs7Pad(payload, aes.BlockSize)
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolError, err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, ivSize+len(ciphertext)+macSize)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	mac := hmac.New(sha256.New, keys.MACKey)
	mac.Write(out)
	out = mac.Sum(out)
	return out, nil
}

// open verifies the HMAC before touching the ciphertext - never decrypt
// before authenticating.
func open(keys *Keys, sealed []byte) ([]byte, error) {
	if len(keys.CipherKey) != keySize || len(keys.MACKey) != keySize {
		return nil, fmt.Errorf("%w: malformed key material", protocol.ErrProtocolError)
	}
	if len(sealed) < ivSize+macSize {
		return nil, fmt.Errorf("%w: frame shorter than iv+mac", protocol.ErrFramingError)
	}

	cut := len(sealed) - macSize
	body, gotMAC := sealed[:cut], sealed[cut:]

	mac := hmac.New(sha256.New, keys.MACKey)
	mac.Write(body)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		if log != nil {
			log.WithField("frame_bytes", len(sealed)).Warn("codec: HMAC verification failed")
		}
		return nil, protocol.ErrIntegrityFailure
	}

	iv, ciphertext := body[:ivSize], body[ivSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", protocol.ErrFramingError)
	}

	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolError, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - (len(b) % blockSize)
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, b...), padding...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := len(b)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty padded block", protocol.ErrFramingError)
	}
	padLen := int(b[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, fmt.Errorf("%w: invalid pkcs7 padding", protocol.ErrFramingError)
	}
	for _, p := range b[n-padLen:] {
		if int(p) != padLen {
			return nil, fmt.Errorf("%w: invalid pkcs7 padding", protocol.ErrFramingError)
		}
	}
	return b[:n-padLen], nil
}
