package audit

import "strings"

// Redaction limits. Audit records must never reconstruct a full identity
// or carry unbounded attacker-controlled strings.
const (
	userIDVisibleChars = 8
	maxErrorMessageLen = 500
	maxUserAgentLen    = 200
	unknownClientIP    = "unknown"
)

// RedactUserID keeps a short prefix of the subject identifier so records
// remain correlatable without exposing the full ID.
func RedactUserID(userID string) string {
	if userID == "" {
		return ""
	}
	if len(userID) <= userIDVisibleChars {
		return userID + "..."
	}
	return userID[:userIDVisibleChars] + "..."
}

// RedactEmail keeps only the domain part of an email address.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "redacted"
	}
	return email[at+1:]
}

// truncate caps s at max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// redactEvent applies all redaction rules in place.
func redactEvent(event *Event) {
	event.UserID = RedactUserID(event.UserID)
	event.Email = RedactEmail(event.Email)
	event.ErrorMessage = truncate(event.ErrorMessage, maxErrorMessageLen)
	event.UserAgent = truncate(event.UserAgent, maxUserAgentLen)
	if event.ClientIP == "" {
		event.ClientIP = unknownClientIP
	}
}
