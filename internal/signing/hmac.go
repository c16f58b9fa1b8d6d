package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultTolerance is the maximum accepted age of a delivery timestamp when
// verifying with replay protection.
const DefaultTolerance = 300 * time.Second

// Sign computes HMAC-SHA256 of payload using the given secret and returns the
// hex-encoded signature prefixed with the scheme.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		panic("signing: empty secret")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that the given signature matches the HMAC-SHA256 of payload
// with the given secret.
func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWithTimestamp verifies the signature and additionally rejects
// deliveries whose timestamp (unix seconds, from the timestamp header)
// differs from now by more than tolerance. Skew is accepted in both
// directions so a receiver clock running slightly behind the sender does not
// reject valid deliveries. A tolerance <= 0 falls back to DefaultTolerance.
func VerifyWithTimestamp(payload []byte, secret, signature string, timestamp int64, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return false
	}
	return Verify(payload, secret, signature)
}

// GenerateSecret creates a cryptographically random signing secret.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("signing: failed to generate random secret: " + err.Error())
	}
	return "whsec_" + hex.EncodeToString(b)
}
