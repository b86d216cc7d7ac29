//go:build !linux

package privilege

import "fmt"

// Result mirrors the linux Result shape so cmd/obiwan builds uniformly.
type Result struct {
	Root     string
	Chrooted bool
	SetuidTo string
}

// Drop is unsupported outside Linux: chroot/setuid/prctl semantics differ
// enough across platforms that this server declines to guess.
func Drop(unprivilegedUser, servedDir string) (Result, error) {
	return Result{}, fmt.Errorf("privilege: dropping privileges is only supported on linux")
}
