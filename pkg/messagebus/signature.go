package messagebus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	perrors "github.com/jmgilman/go/errors"
)

// Sign returns the hex HMAC-SHA256 of message under secret. An empty secret
// yields an empty signature.
func Sign(secret, message string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against message. With an empty secret every
// message is accepted; otherwise a missing or wrong signature is rejected
// with CodeUnauthorized.
func Verify(secret, message, signature string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return perrors.New(perrors.CodeUnauthorized, "message is not signed")
	}
	if !hmac.Equal([]byte(Sign(secret, message)), []byte(signature)) {
		return perrors.New(perrors.CodeUnauthorized, "message signature mismatch")
	}
	return nil
}
