package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Weights(t *testing.T) {
	p := &progressTracker{}

	value, increased := p.fromHash(50)
	assert.True(t, increased)
	assert.InDelta(t, 10.0, value, 0.001)

	value, increased = p.fromHash(100)
	assert.True(t, increased)
	assert.InDelta(t, 20.0, value, 0.001)

	value, increased = p.fromChunks(50)
	assert.True(t, increased)
	assert.InDelta(t, 60.0, value, 0.001)

	value, increased = p.complete()
	assert.True(t, increased)
	assert.Equal(t, 100.0, value)
}

func TestProgressTracker_ClampsAgainstLastValue(t *testing.T) {
	p := &progressTracker{}

	_, _ = p.fromChunks(60) // 68.0

	// A smaller composition must not move the value backwards.
	value, increased := p.fromChunks(30)
	assert.False(t, increased)
	assert.InDelta(t, 68.0, value, 0.001)

	value, increased = p.fromHash(100) // 20.0, already passed
	assert.False(t, increased)
	assert.InDelta(t, 68.0, value, 0.001)

	assert.InDelta(t, 68.0, p.current(), 0.001)
}

func TestProgressTracker_CompleteIsIdempotent(t *testing.T) {
	p := &progressTracker{}

	_, increased := p.complete()
	assert.True(t, increased)

	_, increased = p.complete()
	assert.False(t, increased)
	assert.Equal(t, 100.0, p.current())
}
