// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package actionset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseActionLineBasic(t *testing.T) {
	ar, err := ParseActionLine("web: ipmax 20 : msg welcome", 1)
	require.NoError(t, err)
	require.Equal(t, "web", ar.Name)
	require.True(t, ar.Has("ipmax"))
	require.Equal(t, 20, ar.Int("ipmax"))
	require.Equal(t, "welcome", ar.Str("msg"))
}

func TestParseActionLineRejectsMsgAndRun(t *testing.T) {
	_, err := ParseActionLine("web: msg hi : run /bin/true", 1)
	require.Error(t, err)
}

func TestParseActionLineSetenv(t *testing.T) {
	ar, err := ParseActionLine("web: setenv FOO bar", 1)
	require.NoError(t, err)
	require.Equal(t, "bar", ar.Env["FOO"])
}

func TestParseActionLineDuplicateDirective(t *testing.T) {
	_, err := ParseActionLine("web: reject : reject", 1)
	require.Error(t, err)
}

func TestParseActionLineMissingColon(t *testing.T) {
	_, err := ParseActionLine("web reject", 1)
	require.Error(t, err)
}

func TestParseActionLineNoArgWithValueFails(t *testing.T) {
	_, err := ParseActionLine("web: reject yes", 1)
	require.Error(t, err)
}
