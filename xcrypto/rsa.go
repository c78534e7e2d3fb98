package xcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

const RSAKeyBits = 2048

// ErrKeyDecode covers any failure parsing a stored/transmitted RSA key.
var ErrKeyDecode = errors.New("rsa key decode failure")

// GenerateHostKey produces a fresh RSA-2048 keypair for a server's
// (or client's, under auth_type publickey/dual) host identity.
func GenerateHostKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// MarshalPublicKey encodes pub as base64 DER SubjectPublicKeyInfo, the
// wire/storage format spec.md §6 uses for KEX_REPLY.server_rsa_pub and
// userdir's stored authorized_key entries.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes the base64 DER SPKI format produced by
// MarshalPublicKey.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrKeyDecode)
	}
	return rsaPub, nil
}

// MarshalPrivateKey encodes priv as base64 DER PKCS#8, for persisting a
// server's host key (or a user's private key) to disk.
func MarshalPrivateKey(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey decodes the base64 DER PKCS#8 format produced by
// MarshalPrivateKey.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrKeyDecode)
	}
	return rsaKey, nil
}

// Sign produces a PKCS#1v1.5/SHA-256 signature over msg - used by the
// server to sign its DH public value in KEX_REPLY, and by a client
// under auth_type publickey/dual to sign the session_id in AUTH_REQUEST.
func Sign(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	h := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
}

// Verify checks a signature produced by Sign.
func Verify(pub *rsa.PublicKey, msg, sig []byte) error {
	h := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig)
}
