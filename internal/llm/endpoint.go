package llm

import "strings"

// completionSuffixes are endpoint paths a caller-supplied base URL may
// already carry. NormalizeChatBase leaves such URLs untouched.
var completionSuffixes = []string{
	"/chat/completions",
	"/completions",
	"/messages",
}

// NormalizeChatBase resolves a caller-supplied base URL into a full
// chat-completions endpoint: the suffix is appended unless the URL
// already ends in a completions or messages endpoint.
func NormalizeChatBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	for _, s := range completionSuffixes {
		if strings.HasSuffix(base, s) {
			return base
		}
	}
	return base + "/chat/completions"
}

// StripChatSuffix removes a trailing chat-completions path from a base
// URL. Used with SDK clients that append the endpoint themselves.
func StripChatSuffix(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	for _, s := range completionSuffixes {
		base = strings.TrimSuffix(base, s)
	}
	return strings.TrimRight(base, "/")
}
