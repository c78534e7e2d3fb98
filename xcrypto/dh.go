// Package xcrypto implements the key agreement and host-key signing
// primitives: RFC 3526 MODP group 14 Diffie-Hellman and RSA-2048
// PKCS#1v1.5/SHA-256 sign/verify, plus the shared-secret to traffic-key
// derivation the record layer consumes.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package xcrypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// group14P is the 2048-bit MODP group defined as group 14 in RFC 3526
// (also "diffie-hellman-group14" in RFC 4253).
var group14P, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
		"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
		"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
		"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
		"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
		"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD"+
		"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
		"096966D670C354E4ABC9804F1746C08CA18217C32905E46"+
		"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF"+
		"06F4C52C9DE2BCBF6955817183995497CEA956AE515D226"+
		"1898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var group14G = big.NewInt(2)

// ErrOutOfBounds is returned when a peer's DH public value is not in
// the valid range (1, p-1).
var ErrOutOfBounds = errors.New("dh public value out of bounds")

// KeyPair is one side's ephemeral Diffie-Hellman keypair.
type KeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateKeyPair picks a random private exponent and computes the
// corresponding public value g^x mod p for MODP group 14.
func GenerateKeyPair() (*KeyPair, error) {
	// A private exponent of up to |p| bits is conservative; 256 bits of
	// randomness already exceeds the discrete-log hardness margin
	// needed against group 14, but matching the full group order here
	// avoids having to separately argue a shorter exponent is safe.
	priv, err := rand.Int(rand.Reader, group14P)
	if err != nil {
		return nil, err
	}
	if priv.Sign() == 0 {
		priv.SetInt64(1)
	}
	pub := new(big.Int).Exp(group14G, priv, group14P)
	return &KeyPair{Private: priv, Public: pub}, nil
}

// SharedSecret computes (theirPublic)^myPrivate mod p, after validating
// theirPublic lies in (1, p-1) - rejecting 0, 1, p-1, and p or above
// rules out the small-subgroup values that would make the "shared"
// secret predictable regardless of either side's private exponent.
func SharedSecret(kp *KeyPair, theirPublic *big.Int) ([]byte, error) {
	pMinus1 := new(big.Int).Sub(group14P, big.NewInt(1))
	if theirPublic.Cmp(big.NewInt(1)) <= 0 || theirPublic.Cmp(pMinus1) >= 0 {
		return nil, ErrOutOfBounds
	}
	secret := new(big.Int).Exp(theirPublic, kp.Private, group14P)
	return secret.Bytes(), nil
}
