package flush

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenFilter(t *testing.T) {
	s := NewSeenFilter(100, 0.001)

	assert.False(t, s.Seen("env-1"))
	assert.True(t, s.Seen("env-1"))
	assert.False(t, s.Seen("env-2"))

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Checked)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint(100), stats.Capacity)

	s.Reset()
	assert.False(t, s.Seen("env-1"))
	assert.Equal(t, uint64(1), s.Stats().Checked)
}

func TestSeenFilter_Rotation(t *testing.T) {
	s := NewSeenFilter(100, 0.001)
	s.Seen("first")

	// Fill one generation; the first id survives in the previous one.
	for i := 0; i < 100; i++ {
		s.Seen(fmt.Sprintf("a-%d", i))
	}
	assert.True(t, s.Seen("first"))

	// After a second rotation it is gone.
	for i := 0; i < 100; i++ {
		s.Seen(fmt.Sprintf("b-%d", i))
	}
	assert.False(t, s.Seen("first"))
}

func TestSeenFilter_Defaults(t *testing.T) {
	s := NewSeenFilter(0, 2)
	assert.Equal(t, uint(10000), s.Stats().Capacity)
}
