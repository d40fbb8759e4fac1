package cdn

import (
	"context"
	"errors"
	"sync"

	"cache-flush/pkg/config"
)

// StateStore persists provider access state, such as a refreshed token, so
// later processes start from it.
type StateStore interface {
	SaveState(ctx context.Context, state string) error
}

// ConfigState stores state under key in the configuration.
type ConfigState struct {
	Writer config.Writer
	Key    string

	mu sync.Mutex
}

// NewConfigState creates a StateStore backed by w.
func NewConfigState(w config.Writer, key string) *ConfigState {
	return &ConfigState{Writer: w, Key: key}
}

// SaveState implements StateStore. A configuration that was not loaded from
// a file keeps the value in memory only.
func (s *ConfigState) SaveState(_ context.Context, state string) error {
	if s == nil || s.Writer == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writer.Set(s.Key, state)
	if err := s.Writer.Save(); err != nil && !errors.Is(err, config.ErrNoFile) {
		return err
	}
	return nil
}
