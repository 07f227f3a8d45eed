package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryDenyList(t *testing.T) {
	denyList := NewMemoryDenyList([]string{"6.6.6.6", "7.7.7.7"})
	require.True(t, denyList.Contains("6.6.6.6"))
	require.True(t, denyList.Contains("7.7.7.7"))
	require.False(t, denyList.Contains("1.2.3.4"))
	require.ElementsMatch(t, []string{"6.6.6.6", "7.7.7.7"}, denyList.Addresses())

	empty := NewMemoryDenyList(nil)
	require.False(t, empty.Contains("1.2.3.4"))
}
