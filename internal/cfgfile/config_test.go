// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cfgfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeepd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigMinimal(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nrulefile /etc/gatekeepd/rules\nactionfile /etc/gatekeepd/actions\n")
	cf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []Listen{{Host: "", Port: "2000"}}, cf.Listen)
	require.Equal(t, "/etc/gatekeepd/rules", cf.RuleFile)
	require.Equal(t, "/etc/gatekeepd/actions", cf.ActionFile)
	require.Equal(t, "drop", cf.OnFileError)
	require.True(t, cf.Substitution)
}

func TestLoadConfigMultipleListen(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@127.0.0.1\nlisten 2001@\nrulefile r\nactionfile a\n")
	cf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []Listen{
		{Host: "127.0.0.1", Port: "2000"},
		{Host: "", Port: "2001"},
	}, cf.Listen)
}

func TestLoadConfigDropIPAfterAndExpireEvery(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nrulefile r\nactionfile a\ndropipafter 1h\nexpireevery 5m\n")
	cf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(3600), cf.DropIPAfter)
	require.Equal(t, int64(300), cf.ExpireEvery)
}

func TestLoadConfigMissingListenIsError(t *testing.T) {
	path := writeTempConfig(t, "rulefile r\nactionfile a\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingRuleFileIsError(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nactionfile a\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigDuplicateSingleDirectiveIsError(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nrulefile r\nrulefile r2\nactionfile a\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigUnknownDirectiveIsError(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nrulefile r\nactionfile a\nbogus 1\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigSubstitutionsOff(t *testing.T) {
	path := writeTempConfig(t, "listen 2000@\nrulefile r\nactionfile a\nsubstitutions off\n")
	cf, err := LoadConfig(path)
	require.NoError(t, err)
	require.False(t, cf.Substitution)
}

func TestLoadConfigDropIPAfterConflictsWithNegativeExpire(t *testing.T) {
	// A negative expireevery (such as "-1s") turns expiry off, which
	// insureComplete rejects when dropipafter is also given.
	cf := &Config{
		Listen:      []Listen{{Port: "2000"}},
		RuleFile:    "r",
		ActionFile:  "a",
		HaveDropIP:  true,
		DropIPAfter: 3600,
		HaveExpire:  true,
		ExpireEvery: -1,
	}
	require.Error(t, cf.insureComplete())
}
