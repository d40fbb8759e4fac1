package cache

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ValidateKey checks if a group or item name is usable in a storage key.
//
// Rules:
// - Non-empty string
// - Maximum length of 250 characters
// - No control characters (0x00-0x1F and 0x7F-0x9F)
// - No leading or trailing whitespace
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > 250 {
		return fmt.Errorf("%w: key too long (max 250 characters)", ErrInvalidKey)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if len(strings.TrimSpace(key)) != len(key) {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern represents a pattern for generating storage keys.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build creates a key from the pattern and provided parts.
// Example: pattern.Build("user", "123") -> "user:123"
func (kp *KeyPattern) Build(parts ...string) string {
	var b strings.Builder
	b.WriteString(kp.prefix)
	for _, part := range parts {
		b.WriteString(kp.separator)
		b.WriteString(part)
	}
	return b.String()
}

var storageKeys = NewKeyPattern("w3tc", "_")

// ItemKey returns the storage key of a cache item:
// w3tc_{instance}_{host}_{blog}_{module}_{name}.
func ItemKey(instanceID int, host string, blogID int, module, name string) string {
	return storageKeys.Build(strconv.Itoa(instanceID), host, strconv.Itoa(blogID), module, name)
}

const versionKeySuffix = "_key_version"

// IsMetaKey reports whether key holds a group version or a counter rather
// than a cached item. Stores that evict must never drop these keys: a lost
// version counter reads back as 1 and revives flushed entries.
func IsMetaKey(key string) bool {
	return strings.HasSuffix(key, versionKeySuffix) || strings.Contains(key, "_"+countersModule+"_")
}

// VersionKey returns the storage key of a group version counter:
// w3tc_{instance}_{blog}_{module}_{group}_key_version.
func VersionKey(instanceID, blogID int, module, group string) string {
	return storageKeys.Build(strconv.Itoa(instanceID), strconv.Itoa(blogID), module, group) + versionKeySuffix
}
