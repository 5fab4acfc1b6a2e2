package chat

import "strings"

// SanitizeChannelName converts name into a valid Mattermost channel name:
// lowercase, [a-z0-9-] only, no repeated or leading/trailing hyphens,
// capped at 64 characters. Input that sanitizes to nothing falls back to
// "claude-session".
func SanitizeChannelName(name string) string {
	lower := strings.ToLower(name)

	var b strings.Builder
	prevHyphen := true // treat start as hyphen to skip leading ones
	for _, r := range lower {
		c := r
		if !isAlphanumericASCII(c) && c != '-' {
			c = '-'
		}
		if c == '-' {
			if !prevHyphen {
				b.WriteRune('-')
			}
			prevHyphen = true
		} else {
			b.WriteRune(c)
			prevHyphen = false
		}
	}

	result := strings.TrimSuffix(b.String(), "-")
	if len(result) > 64 {
		result = result[:64]
		result = strings.TrimRight(result, "-")
	}

	if result == "" {
		return "claude-session"
	}
	return result
}

func isAlphanumericASCII(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
