package cloudevent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the HMAC signature of a request body.
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

// SignPayload computes the "sha256=<hex>" HMAC-SHA256 signature of payload.
func SignPayload(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the signature of payload under key.
func Verify(payload []byte, key, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, key)), []byte(signature))
}
