//go:build !windows

package journal

import (
	"os"
	"syscall"
)

// ownedByCurrentUser reports whether info's file is owned by this
// process's effective uid. On platforms without a uid concept (Windows)
// this check is skipped entirely — see owner_windows.go.
func ownedByCurrentUser(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(stat.Uid) == os.Geteuid()
}
