// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cfgfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/gatekeepd/internal/engine"
)

type fakeConnCounter struct{}

func (fakeConnCounter) IPCount(string) int    { return 0 }
func (fakeConnCounter) ClassCount(string) int { return 0 }

func writeTempFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRuleSet(t *testing.T) {
	path := writeTempFile(t, "rules", "trusted: ip: 127.0.0.1\nGLOBAL: ALL\n")
	rs, err := LoadRuleSet(path, engine.StdTerminals())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"trusted", "GLOBAL"}, rs.ClassNames())
}

func TestLoadRuleSetBadLineAbortsWhole(t *testing.T) {
	path := writeTempFile(t, "rules", "trusted: ip: 127.0.0.1\nbogus-no-colon-here\n")
	_, err := LoadRuleSet(path, engine.StdTerminals())
	require.Error(t, err)
}

func TestLoadActionSet(t *testing.T) {
	path := writeTempFile(t, "actions", "trusted: quiet\nGLOBAL: reject : msg deny\n")
	as, err := LoadActionSet(path, fakeConnCounter{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"trusted", "GLOBAL"}, as.ClassNames())
}

func TestLintClassNames(t *testing.T) {
	rulesPath := writeTempFile(t, "rules", "trusted: ip: 127.0.0.1\nsuspicious: ip: 10.0.0.0/8\nGLOBAL: ALL\n")
	actionsPath := writeTempFile(t, "actions", "trusted: quiet\nGLOBAL: reject : msg deny\n")

	rs, err := LoadRuleSet(rulesPath, engine.StdTerminals())
	require.NoError(t, err)
	as, err := LoadActionSet(actionsPath, fakeConnCounter{})
	require.NoError(t, err)

	rulesOnly, actionsOnly, _ := LintClassNames(rs, as)
	require.Contains(t, rulesOnly, "suspicious")
	require.Empty(t, actionsOnly)
}
