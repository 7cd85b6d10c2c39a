// Package auth implements the NetShare challenge/response authentication
// scheme: a server nonce handed out in HELLO_ACK, a client nonce, and an
// HMAC-SHA256 MAC over a fixed message shape, compared in constant time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Mode names accepted in HELLO.auth / HELLO_ACK.selectedAuth.
const (
	ModeOpen          = "open"
	ModePSKHMACSHA256 = "psk-hmac-sha256"
)

// NewNonce returns a fresh 32-byte random nonce, base64-encoded (standard
// alphabet, with padding) as carried on the wire.
func NewNonce() (raw []byte, encoded string, err error) {
	raw = make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("auth: generate nonce: %w", err)
	}
	return raw, base64.StdEncoding.EncodeToString(raw), nil
}

// ComputeMAC computes HMAC_SHA256(key=sharedKey,
// msg=serverNonce||clientNonce||serverDeviceID||clientDeviceID), with no
// length prefixes between the concatenated fields.
func ComputeMAC(sharedKey string, serverNonce, clientNonce []byte, serverDeviceID, clientDeviceID string) []byte {
	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write(serverNonce)
	mac.Write(clientNonce)
	mac.Write([]byte(serverDeviceID))
	mac.Write([]byte(clientDeviceID))
	return mac.Sum(nil)
}

// ComputeMACBase64 is ComputeMAC with a base64-encoded result, as carried
// on the wire in the AUTH request.
func ComputeMACBase64(sharedKey string, serverNonce, clientNonce []byte, serverDeviceID, clientDeviceID string) string {
	return base64.StdEncoding.EncodeToString(ComputeMAC(sharedKey, serverNonce, clientNonce, serverDeviceID, clientDeviceID))
}

// Verify recomputes the expected MAC with sharedKey and compares it
// against provided using constant-time equality.
func Verify(sharedKey string, serverNonce, clientNonce []byte, serverDeviceID, clientDeviceID string, provided []byte) bool {
	expected := ComputeMAC(sharedKey, serverNonce, clientNonce, serverDeviceID, clientDeviceID)
	return subtle.ConstantTimeCompare(expected, provided) == 1
}

// DecodeNonce base64-decodes a nonce as carried on the wire.
func DecodeNonce(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: decode nonce: %w", err)
	}
	return raw, nil
}
