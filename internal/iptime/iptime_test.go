// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package iptime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstSightIsZeroAndNil(t *testing.T) {
	c := New(0)
	af, al := c.Touch(1, 1000)
	require.Equal(t, int64(0), af)
	require.Nil(t, al)
}

func TestSubsequentTouchReturnsGaps(t *testing.T) {
	c := New(0)
	c.Touch(1, 1000)
	af, al := c.Touch(1, 1010)
	require.Equal(t, int64(10), af)
	require.NotNil(t, al)
	require.Equal(t, int64(10), *al)

	af, al = c.Touch(1, 1030)
	require.Equal(t, int64(30), af)
	require.Equal(t, int64(20), *al)
}

func TestExpireRemovesStaleEntries(t *testing.T) {
	c := New(100)
	c.Touch(1, 1000)
	c.Touch(2, 1090)
	c.Expire(1150)
	require.Equal(t, 1, c.Len())
}

func TestExpireDisabledWhenRetentionNonPositive(t *testing.T) {
	c := New(0)
	c.Touch(1, 1000)
	c.Expire(100000)
	require.Equal(t, 1, c.Len())
}

func TestClear(t *testing.T) {
	c := New(0)
	c.Touch(1, 1000)
	c.Clear()
	require.Equal(t, 0, c.Len())
}
