// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package actionset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatTemplateSubstitutes(t *testing.T) {
	out, err := FormatTemplate("accepted: %(connsum)s by %(class)s", map[string]string{
		"connsum": "1.2.3.4",
		"class":   "web",
	})
	require.NoError(t, err)
	require.Equal(t, "accepted: 1.2.3.4 by web", out)
}

func TestFormatTemplateMissingKeyErrors(t *testing.T) {
	_, err := FormatTemplate("hi %(nope)s", map[string]string{})
	require.Error(t, err)
}

func TestFormatTemplateLiteralPercent(t *testing.T) {
	out, err := FormatTemplate("100%% done", nil)
	require.NoError(t, err)
	require.Equal(t, "100% done", out)
}

func TestFormatTemplateIntField(t *testing.T) {
	out, err := FormatTemplate("line %(lineno)d", map[string]string{"lineno": "12"})
	require.NoError(t, err)
	require.Equal(t, "line 12", out)
}
