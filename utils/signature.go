package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrMissingSecret is returned when a signature is checked without a
// configured secret. It is a configuration problem, not a verification
// failure.
var ErrMissingSecret = errors.New("signing secret is not configured")

// Sign returns the hex encoded HMAC-SHA256 of message under secret.
func Sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of message under
// secret. The comparison is constant time.
func VerifySignature(message, signature, secret string) (bool, error) {
	if secret == "" {
		return false, ErrMissingSecret
	}
	expected := Sign(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// PairMessage builds the "a|b" message the payment processor signs for
// checkout callbacks.
func PairMessage(first, second string) string {
	return first + "|" + second
}
