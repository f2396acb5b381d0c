package fmclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlockIndex(t *testing.T) {
	tm := time.Date(2023, time.November, 14, 22, 13, 20, 0, time.UTC)
	require.Equal(t, 2023111411, BlockIndex(tm, 2))
	require.Equal(t, 2023111422, BlockIndex(tm, 1))
	require.Equal(t, 2023111400, BlockIndex(tm, 24))
}

func TestBlockIndexMonotone(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	last := BlockIndex(start, 2)
	for i := 0; i < 24*60; i++ {
		cur := BlockIndex(start.Add(time.Duration(i)*time.Minute), 2)
		require.GreaterOrEqual(t, cur, last)
		last = cur
	}
}

func TestClampBlockHours(t *testing.T) {
	require.Equal(t, DefaultBlockHours, ClampBlockHours(0))
	require.Equal(t, DefaultBlockHours, ClampBlockHours(25))
	require.Equal(t, 6, ClampBlockHours(6))
}
