package sessions

import "testing"

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name                      string
		channel, chatID, threadID string
		want                      string
	}{
		{"plain", "http", "abc", "", "http:abc"},
		{"thread", "telegram", "123", "99", "telegram:123:thread:99"},
		{"uppercase normalized", "HTTP", "ABC", "", "http:abc"},
		{"disallowed chars replaced", "cli", "user@host", "", "cli:user-host"},
		{"spaces replaced", "cli", "a b", "", "cli:a-b"},
		{"underscore and dash kept", "cli", "a_b-c", "", "cli:a_b-c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildKey(tt.channel, tt.chatID, tt.threadID)
			if got != tt.want {
				t.Errorf("BuildKey(%q, %q, %q) = %q, want %q", tt.channel, tt.chatID, tt.threadID, got, tt.want)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key  string
		want KeyParts
		ok   bool
	}{
		{"http:abc", KeyParts{Channel: "http", ChatID: "abc"}, true},
		{"telegram:123:thread:99", KeyParts{Channel: "telegram", ChatID: "123", ThreadID: "99"}, true},
		// chatID may itself contain colons; only the first splits.
		{"cron:job:extra", KeyParts{Channel: "cron", ChatID: "job:extra"}, true},
		{"nocolon", KeyParts{}, false},
		{":missing", KeyParts{}, false},
		{"missing:", KeyParts{}, false},
		{"a:b:thread:", KeyParts{}, false},
		{"", KeyParts{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := ParseKey(tt.key)
			if ok != tt.ok {
				t.Fatalf("ParseKey(%q) ok = %v, want %v", tt.key, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseKey(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// parse(build(p)) equals the normalized parts, and a second round-trip
	// is idempotent.
	key := BuildKey("Telegram", "User 42", "T1")
	parts, ok := ParseKey(key)
	if !ok {
		t.Fatalf("ParseKey(%q) failed", key)
	}
	if parts.Channel != "telegram" || parts.ChatID != "user-42" || parts.ThreadID != "t1" {
		t.Errorf("normalized parts = %+v", parts)
	}

	again := BuildKey(parts.Channel, parts.ChatID, parts.ThreadID)
	if again != key {
		t.Errorf("second round-trip changed key: %q → %q", key, again)
	}
}

func TestParentKey(t *testing.T) {
	if parent, ok := ParentKey("telegram:123:thread:99"); !ok || parent != "telegram:123" {
		t.Errorf("ParentKey = %q, %v", parent, ok)
	}
	if _, ok := ParentKey("telegram:123"); ok {
		t.Error("ParentKey of base key should be ok=false")
	}
}
