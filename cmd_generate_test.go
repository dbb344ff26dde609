package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorSet(t *testing.T) {
	g := &generator{model: newTestPolicy(t, 1), maxTokens: 4}

	require.NoError(t, g.set("/temp 0.7"))
	require.NoError(t, g.set("/topk 5"))
	require.NoError(t, g.set("/topp 0.9"))
	require.NoError(t, g.set("/tokens 7"))
	require.Equal(t, 0.7, g.cfg.Temperature)
	require.Equal(t, 5, g.cfg.TopK)
	require.Equal(t, 0.9, g.cfg.TopP)
	require.Equal(t, 7, g.maxTokens)

	for _, line := range []string{
		"/tokens -3",
		"/tokens 0",
		"/tokens 8", // the test policy's context window
		"/tokens 2.5",
		"/topk -1",
		"/topk 1.5",
		"/topp 1.5",
		"/temp -0.1",
		"/temp",
		"/temp warm",
		"/beam 4",
	} {
		require.Error(t, g.set(line), line)
	}

	// Rejected values leave the settings alone.
	require.Equal(t, 0.7, g.cfg.Temperature)
	require.Equal(t, 5, g.cfg.TopK)
	require.Equal(t, 0.9, g.cfg.TopP)
	require.Equal(t, 7, g.maxTokens)
}

func TestGeneratorCheckTokens(t *testing.T) {
	g := &generator{model: newTestPolicy(t, 1)}
	require.NoError(t, g.checkTokens(1))
	require.NoError(t, g.checkTokens(7))
	require.ErrorIs(t, g.checkTokens(-1), ErrInvalidConfig)
	require.ErrorIs(t, g.checkTokens(8), ErrInvalidConfig)
}
