package rand_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stuschach/bunkr-sub005/internal/rand"
)

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := rand.NewRequestID(16)
		assert.Len(t, id, 16)
		seen[id] = struct{}{}
	}
	// Collisions over 62^16 are effectively impossible.
	assert.Len(t, seen, 1000)
}
