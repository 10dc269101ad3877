package logger

import (
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	// Keep first char of the mailbox
	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// Keep the TLD
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

var sensitiveParams = []string{
	"password",
	"token",
	"secret",
	"api_key",
	"email",
	"auth",
	"code",
	"nonce",
	"template",
	"device_key",
}

// SanitizeQueryString reports whether rawQuery contains a sensitive
// parameter and should be redacted as a whole.
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
