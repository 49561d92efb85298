package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000).UTC()
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.UnixMilli(1_700_000_123_456).UTC()
	assert.True(t, Time(NewAt(at)).Equal(at))
	assert.True(t, Time("not-a-ulid").IsZero())
}
