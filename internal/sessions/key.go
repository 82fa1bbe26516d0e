// Package sessions — session key canonicalization and the per-agent
// session cache.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatId}
//	{channel}:{chatId}:thread:{threadId}
//
// Examples:
//
//	http:session-9f2c41aa51b03d77
//	cli:direct
//	telegram:386246614:thread:99
//	cron:job-42
//
// Keys are the sole grouping dimension for sessions and bus subscriptions.
package sessions

import (
	"strings"
)

// threadMarker separates the base key from a thread suffix.
const threadMarker = ":thread:"

// KeyParts are the normalized components of a session key.
type KeyParts struct {
	Channel  string
	ChatID   string
	ThreadID string // empty when the key has no thread suffix
}

// normalizeComponent lowercases a key component and replaces anything
// outside [a-z0-9_-] with '-'.
func normalizeComponent(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// BuildKey builds the canonical session key for a conversation. threadID may
// be empty. Each component is normalized independently.
func BuildKey(channel, chatID, threadID string) string {
	key := normalizeComponent(channel) + ":" + normalizeComponent(chatID)
	if threadID != "" {
		key += threadMarker + normalizeComponent(threadID)
	}
	return key
}

// ParseKey extracts the components of a canonical session key. Returns
// ok=false on malformed input (missing or empty components).
func ParseKey(key string) (KeyParts, bool) {
	base := key
	thread := ""
	if i := strings.Index(key, threadMarker); i >= 0 {
		base = key[:i]
		thread = key[i+len(threadMarker):]
		if thread == "" {
			return KeyParts{}, false
		}
	}

	channel, chatID, found := strings.Cut(base, ":")
	if !found || channel == "" || chatID == "" {
		return KeyParts{}, false
	}
	return KeyParts{Channel: channel, ChatID: chatID, ThreadID: thread}, true
}

// ParentKey returns the base key of a thread key. ok=false when the key has
// no thread suffix.
func ParentKey(key string) (string, bool) {
	if i := strings.Index(key, threadMarker); i >= 0 {
		return key[:i], true
	}
	return "", false
}
