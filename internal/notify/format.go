package notify

import "fmt"

// SummaryLimit is the maximum summary length in characters.
const SummaryLimit = 500

const ellipsis = "..."

// Truncate shortens text to limit characters, ending in "..." when cut.
func Truncate(text string, limit int) (string, bool) {
	r := []rune(text)
	if len(r) <= limit {
		return text, false
	}
	return string(r[:limit-len(ellipsis)]) + ellipsis, true
}

// Format renders a notification as a one-line chat message.
func Format(n Notification) string {
	session := n.SessionTitle
	if session == "" {
		session = n.SessionID
	}
	return fmt.Sprintf("📋 [%s] Response ready — session '%s': %s", n.ProjectName, session, n.Summary)
}
