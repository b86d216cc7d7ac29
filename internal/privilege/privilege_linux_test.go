//go:build linux

package privilege

import (
	"os/user"
	"testing"

	"golang.org/x/sys/unix"
)

// TestDropUnknownUser exercises the one codepath that does not depend on
// the test process's uid: looking up a user that cannot exist always
// fails, regardless of privilege.
func TestDropUnknownUser(t *testing.T) {
	const bogus = "no-such-obiwan-test-user"
	if _, err := user.Lookup(bogus); err == nil {
		t.Skipf("unexpected: %q resolves on this system", bogus)
	}

	if _, err := Drop(bogus, t.TempDir()); err == nil {
		t.Fatal("Drop with an unknown user succeeded, want an error")
	}
}

// TestDropNonRootSkipsSetuid exercises the unprivileged path: when not
// running as root, Drop must not attempt setuid and must report no target
// user.
func TestDropNonRootSkipsSetuid(t *testing.T) {
	if unix.Geteuid() == 0 {
		t.Skip("test process is running as root")
	}

	u, err := user.Current()
	if err != nil {
		t.Fatalf("user.Current failed: %v", err)
	}

	result, err := Drop(u.Username, t.TempDir())
	if err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if result.SetuidTo != "" {
		t.Fatalf("SetuidTo = %q, want empty when not running as root", result.SetuidTo)
	}
}
