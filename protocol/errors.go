// Package protocol defines the wire message registry for sxsh: the
// MessageType enumeration, the typed Message variants of spec §6, and
// their self-describing (de)serialization.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package protocol

import "errors"

// Error taxonomy (kinds, not type names) per spec §7. Callers use
// errors.Is against these sentinels; wrapped context is added with
// fmt.Errorf("...: %w", ErrXxx).
var (
	// ErrFramingError - malformed length or truncation. Fatal; close.
	ErrFramingError = errors.New("framing error")

	// ErrIntegrityFailure - HMAC verify failed. Fatal; close; never decrypt.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrProtocolError - message in wrong state, unknown type, missing field.
	ErrProtocolError = errors.New("protocol error")

	// ErrHostKeyMismatch - presented server RSA key does not match the
	// client's pinned trust-store entry.
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrHostAuthFailure - pinned host key signature over the DH public
	// value did not verify.
	ErrHostAuthFailure = errors.New("host authentication failure")

	// ErrAuthFailure - server rejected AUTH_REQUEST.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrRequestFailure - per-request_id failure; session remains active.
	ErrRequestFailure = errors.New("request failure")

	// ErrTimeout - local timeout; connection may remain active.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed - remote EOF or local shutdown.
	ErrConnectionClosed = errors.New("connection closed")
)
