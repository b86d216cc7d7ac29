//go:build linux

// Package privilege implements the startup privilege-reduction dance:
// PR_SET_NO_NEW_PRIVS, chroot into the served directory, then setuid away
// from root.
package privilege

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Result describes what the privilege dance actually accomplished, so the
// caller can log it appropriately.
type Result struct {
	// Root is the path the server should treat as "/": servedDir becomes
	// "/" if the chroot succeeded, and is returned unchanged otherwise.
	Root string
	// Chrooted reports whether the chroot succeeded.
	Chrooted bool
	// SetuidTo is the username privileges were dropped to, or "" if the
	// process was not running as root and no setuid was attempted.
	SetuidTo string
}

// Drop attempts to confine the process to servedDir and drop root
// privileges to unprivilegedUser.
//
// Grounded on the original obiwan drop_privileges: the target user is
// looked up before chrooting (the user database becomes unreachable once
// the root changes), a chroot failing with EPERM is a soft failure (continue
// unconfined, matching a non-root or capability-less start), and setuid is
// only attempted when running as root.
func Drop(unprivilegedUser, servedDir string) (Result, error) {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return Result{}, fmt.Errorf("privilege: PR_SET_NO_NEW_PRIVS failed: %w", err)
	}

	u, err := user.Lookup(unprivilegedUser)
	if err != nil {
		return Result{}, fmt.Errorf("privilege: failed to look up unprivileged user %q: %w", unprivilegedUser, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Result{}, fmt.Errorf("privilege: unprivileged user %q has non-numeric uid %q: %w", unprivilegedUser, u.Uid, err)
	}

	result := Result{Root: servedDir}
	switch err := unix.Chroot(servedDir); {
	case err == nil:
		result.Root = "/"
		result.Chrooted = true
		if err := unix.Chdir("/"); err != nil {
			return Result{}, fmt.Errorf("privilege: chdir after chroot failed: %w", err)
		}
	case err == unix.EPERM:
		// Insufficient privilege to chroot; continue serving from
		// servedDir unconfined at the filesystem level.
	default:
		return Result{}, fmt.Errorf("privilege: chroot to %q failed: %w", servedDir, err)
	}

	if unix.Geteuid() == 0 {
		if err := unix.Setuid(uid); err != nil {
			return Result{}, fmt.Errorf("privilege: setuid to %q (%d) failed: %w", unprivilegedUser, uid, err)
		}
		result.SetuidTo = unprivilegedUser
	}

	return result, nil
}
