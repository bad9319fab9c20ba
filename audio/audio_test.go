package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmptyBoundaries(t *testing.T) {
	assert.True(t, IsEmpty(Stats{DurationSecs: 0.05, RMS: 0.5, SizeBytes: 10000}))
	assert.True(t, IsEmpty(Stats{DurationSecs: 1, RMS: 0.0001, SizeBytes: 10000}))
	assert.True(t, IsEmpty(Stats{DurationSecs: 1, RMS: 0.5, SizeBytes: 500}))
	assert.False(t, IsEmpty(Stats{DurationSecs: 1, RMS: 0.5, SizeBytes: 10000}))
}

func TestAnalyzeEmptyBytes(t *testing.T) {
	s, err := Analyze(nil)
	assert.NoError(t, err)
	assert.True(t, IsEmpty(s))
}
