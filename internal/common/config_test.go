package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceConfigForKnownSources(t *testing.T) {
	config := NewDefaultConfig()

	// Accessors must be callable directly on the returned config.
	assert.Equal(t, 45*time.Second, config.SourceConfigFor("mubasher").GetTimeout())
	assert.Equal(t, 20*time.Second, config.SourceConfigFor("yahoo_edge").GetTimeout())
	assert.Equal(t, 5, config.SourceConfigFor("argaam").GetConcurrency())
}

func TestSourceConfigForReturnsLiveConfig(t *testing.T) {
	config := NewDefaultConfig()
	config.Sources.Mubasher.Username = "analyst"

	sc := config.SourceConfigFor("mubasher")
	require.NotNil(t, sc)
	assert.Equal(t, 1, sc.GetConcurrency(), "credentialed source runs one entity at a time")
}

func TestSourceConfigForUnknownSource(t *testing.T) {
	config := NewDefaultConfig()

	sc := config.SourceConfigFor("nonexistent")
	require.NotNil(t, sc)
	assert.Equal(t, 30*time.Second, sc.GetTimeout())
	assert.Equal(t, "chrome_120", sc.Fingerprint)
}
