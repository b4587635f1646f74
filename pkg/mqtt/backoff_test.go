package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)
	assert.Equal(t, 6, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffEqualBounds(t *testing.T) {
	b := NewBackoff(3*time.Second, 3*time.Second)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 3*time.Second, b.Next())
	}
}

func TestBackoffDoesNotOverflow(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Duration(1<<62))
	for i := 0; i < 200; i++ {
		d := b.Next()
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, b.Max)
	}
}
