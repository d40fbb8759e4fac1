package cache

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid group", "posts", false},
		{"valid with underscores", "post_meta_123", false},
		{"valid with dots", "api.v1.users", false},
		{"empty key", "", true},
		{"too long", strings.Repeat("a", 300), true},
		{"control char null", "key\x00value", true},
		{"control char newline", "key\nvalue", true},
		{"leading space", " key", true},
		{"trailing space", "key ", true},
		{"unicode control", "key\x7fvalue", true},
		{"valid unicode", "café", false},
		{"exactly 250 chars", strings.Repeat("a", 250), false},
		{"251 chars", strings.Repeat("a", 251), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestKeyPattern_Build(t *testing.T) {
	tests := []struct {
		name     string
		pattern  *KeyPattern
		parts    []string
		expected string
	}{
		{"no parts", NewKeyPattern("w3tc", "_"), nil, "w3tc"},
		{"two parts", NewKeyPattern("user", ":"), []string{"profile", "123"}, "user:profile:123"},
		{"default separator", NewKeyPattern("api", ""), []string{"v1"}, "api:v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pattern.Build(tt.parts...); got != tt.expected {
				t.Errorf("Build() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestItemKey(t *testing.T) {
	got := ItemKey(7, "example.com", 1, "object", "post_42")
	if got != "w3tc_7_example.com_1_object_post_42" {
		t.Errorf("ItemKey() = %q", got)
	}
}

func TestVersionKey(t *testing.T) {
	got := VersionKey(7, 1, "object", "posts")
	if got != "w3tc_7_1_object_posts_key_version" {
		t.Errorf("VersionKey() = %q", got)
	}
}
