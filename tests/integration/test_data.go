package integration

import (
	"fmt"
	"time"
)

// TestPassword satisfies every strength rule
const TestPassword = "Correct-Horse-42!"

// TestAccountEmail generates a unique test email using a timestamp
func TestAccountEmail(suffix string) string {
	return fmt.Sprintf("test-%d-%s@example.com", time.Now().UnixNano(), suffix)
}
