package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// ExchangeKey derives the limiter key for one exchange attempt. The
// resolved user id is preferred; before verification only the raw provider
// token is available, so its hash stands in. The raw token itself is never
// used as a key, and a bare client IP alone is never enough to identify a
// caller behind shared NAT.
func ExchangeKey(userID, rawToken string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "token:" + hashToken(rawToken)
}

// hashToken returns a short hex digest of the raw token.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
