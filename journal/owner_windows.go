//go:build windows

package journal

import "os"

// ownedByCurrentUser has no uid concept on Windows; directory permission
// tightening is a no-op there, matching the original implementation's
// unix-only mode bits.
func ownedByCurrentUser(info os.FileInfo) bool {
	return false
}
