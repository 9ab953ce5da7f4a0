// Package protocol implements the command-signing primitives for the
// upstream binary command protocol: HMAC key derivation, TLV signing
// metadata, and per-session counters.
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
)

const (
	labelSigningKey     = "authenticated command"
	labelSessionInfoKey = "session info"

	// tagEnd separates signed metadata from the payload. It is a bare
	// byte with no length prefix.
	tagEnd byte = 0xFF
)

// DeriveSigningKey derives the per-session command signing key from
// the shared session key.
func DeriveSigningKey(sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(labelSigningKey))
	return mac.Sum(nil)
}

// DeriveSessionInfoKey derives the key used to authenticate session
// info messages from the vehicle.
func DeriveSessionInfoKey(sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(labelSessionInfoKey))
	return mac.Sum(nil)
}

// ComputeTag computes the authentication tag over
// metadata ‖ 0xFF ‖ payload.
func ComputeTag(signingKey, metadata, payload []byte) []byte {
	mac := hmac.New(sha256.New, signingKey)
	mac.Write(metadata)
	mac.Write([]byte{tagEnd})
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifySessionInfoTag checks a session info tag in constant time.
func VerifySessionInfoTag(sessionInfoKey, info, tag []byte) bool {
	mac := hmac.New(sha256.New, sessionInfoKey)
	mac.Write(info)
	return hmac.Equal(mac.Sum(nil), tag)
}
