// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package privdrop drops root privileges to a configured user once the
// listening sockets are bound, and manages the stack-size rlimit
// override the daemon offers on its command line.
package privdrop

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// DropTo sets the process's gid, supplementary groups, and uid to
// those of the named user, in that order, then verifies the result.
// It must be called after every privileged socket bind is done: once
// it returns, the process can no longer regain root.
func DropTo(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return gkerr.Wrapf(err, gkerr.KindKaboom, "unknown user %s", username)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return gkerr.Wrapf(err, gkerr.KindKaboom, "bad uid for user %s", username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return gkerr.Wrapf(err, gkerr.KindKaboom, "bad gid for user %s", username)
	}

	if err := unix.Setgid(gid); err != nil {
		return gkerr.Wrap(err, gkerr.KindKaboom, "setgid failed")
	}
	if err := initGroups(username, gid); err != nil {
		return gkerr.Wrap(err, gkerr.KindKaboom, "initgroups failed")
	}
	if err := unix.Setuid(uid); err != nil {
		return gkerr.Wrap(err, gkerr.KindKaboom, "setuid failed")
	}

	if unix.Getuid() != uid || unix.Getgid() != gid {
		return gkerr.New(gkerr.KindKaboom, "after droppriv, UID or GID was not that of target")
	}
	return nil
}

// initGroups sets the supplementary group list for username to the
// groups it belongs to, plus gid, mirroring initgroups(3): a setuid
// helper that skips this step silently leaves unwanted group access
// in place, so it is done unconditionally before the uid drop.
func initGroups(username string, gid int) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return err
	}
	groups := make([]int, 0, len(gidStrs)+1)
	haveGid := false
	for _, s := range gidStrs {
		g, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		groups = append(groups, g)
		if g == gid {
			haveGid = true
		}
	}
	if !haveGid {
		groups = append(groups, gid)
	}
	return unix.Setgroups(groups)
}

// SetStackLimit overrides RLIMIT_STACK's soft limit, keeping the
// existing hard limit, per the daemon's -S flag. A val of -1 means
// "unlimited" (RLIM_INFINITY).
func SetStackLimit(val int64) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &rlim); err != nil {
		return gkerr.Wrap(err, gkerr.KindKaboom, "getrlimit(RLIMIT_STACK) failed")
	}
	if val < 0 {
		rlim.Cur = unix.RLIM_INFINITY
	} else {
		rlim.Cur = uint64(val)
	}
	if err := unix.Setrlimit(unix.RLIMIT_STACK, &rlim); err != nil {
		return gkerr.Wrap(err, gkerr.KindKaboom, "setrlimit(RLIMIT_STACK) failed")
	}
	return nil
}
