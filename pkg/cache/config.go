package cache

import (
	"fmt"
	"strings"
)

// DefaultModule is used when Config.Module is empty.
const DefaultModule = "default"

// Config is the configuration bag every engine is built with.
type Config struct {
	// BlogID scopes keys to one site of a multisite install.
	BlogID int

	// Module names the cache module (object, db, page, minify, fragment).
	// Groups are versioned per module.
	Module string

	// Host is folded into item keys so several sites can share a backend.
	Host string

	// InstanceID separates installs sharing one backend.
	InstanceID int

	// UseExpiredData enables stale serving and soft deletes.
	UseExpiredData bool
}

// WithDefaults returns a copy with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Module == "" {
		c.Module = DefaultModule
	}
	return c
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.BlogID < 0 {
		return fmt.Errorf("%w: negative blog id", ErrInvalidValue)
	}
	if c.InstanceID < 0 {
		return fmt.Errorf("%w: negative instance id", ErrInvalidValue)
	}
	if strings.ContainsAny(c.Module, " \t\n") {
		return fmt.Errorf("%w: module contains whitespace", ErrInvalidValue)
	}
	return nil
}
