// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package privdrop

import (
	"testing"

	"github.com/stretchr/testify/require"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

func TestDropToUnknownUser(t *testing.T) {
	err := DropTo("no-such-user-gatekeepd-test")
	require.Error(t, err)
	require.Equal(t, gkerr.KindKaboom, gkerr.GetKind(err))
}

func TestSetStackLimitLowerWithinHardLimit(t *testing.T) {
	// Lowering the soft limit never requires privilege, so this is safe
	// to exercise in a normal test environment.
	err := SetStackLimit(8 * 1024 * 1024)
	require.NoError(t, err)
}
