package xcrypto

import (
	"crypto/sha256"

	"blitter.com/go/sxsh/codec"
)

// DeriveKeys turns a raw DH shared secret into the cipher/MAC key pair
// the record layer seals frames with: key = SHA256(secret),
// mac_key = SHA256(secret || 0x01). Both directions derive from the
// same shared secret since MODP group 14 here is unauthenticated except
// via the host-key signature over the DH exchange itself - there is no
// separate per-direction salt to mix in.
func DeriveKeys(sharedSecret []byte) *codec.Keys {
	key := sha256.Sum256(sharedSecret)

	macInput := make([]byte, 0, len(sharedSecret)+1)
	macInput = append(macInput, sharedSecret...)
	macInput = append(macInput, 0x01)
	macKey := sha256.Sum256(macInput)

	return &codec.Keys{
		CipherKey: key[:],
		MACKey:    macKey[:],
	}
}
