package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountKnownModel(t *testing.T) {
	c := NewCounter("gpt-4o")
	if c.encoding == nil {
		// Vocabulary fetch failed, likely an offline environment.
		t.Skip("model encoding unavailable")
	}
	tc := c.Count("hello world")
	assert.Equal(t, "gpt-4o", tc.Model)
	assert.Greater(t, tc.Count, 0)
	assert.False(t, tc.Approximate)

	empty := c.Count("")
	assert.Equal(t, 0, empty.Count)
}

func TestCountWithoutEncodingApproximates(t *testing.T) {
	c := &Counter{model: "gpt-4o"}
	tc := c.Count("twelve chars")
	assert.True(t, tc.Approximate)
	assert.Equal(t, 3, tc.Count)
}

func TestUnknownModelFallsBack(t *testing.T) {
	c := NewCounter("totally-made-up-model")
	tc := c.Count("some text to count")
	assert.Greater(t, tc.Count, 0)
}

func TestCounterCacheReuse(t *testing.T) {
	a := NewCounter("gpt-4o")
	b := NewCounter("gpt-4o")
	assert.Same(t, a.encoding, b.encoding)
}

func TestCountAllSums(t *testing.T) {
	c := NewCounter("gpt-4o")
	one := c.Count("alpha beta").Count
	two := c.Count("gamma delta").Count
	all := c.CountAll([]string{"alpha beta", "gamma delta"})
	assert.Equal(t, one+two, all.Count)
}
