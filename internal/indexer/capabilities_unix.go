//go:build unix

package indexer

import (
	"os"
	"syscall"
)

// UnixCapabilities derives file reference numbers from inode numbers.
// Link enumeration needs a filesystem index the kernel does not offer, so
// hard-link copies are detected through the persisted graph only.
type UnixCapabilities struct{}

func (UnixCapabilities) FileID(path string, info os.FileInfo) (int64, int64, int, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, false
	}
	return 0, int64(st.Ino), int(st.Nlink), true
}

func (UnixCapabilities) EnumerateHardlinks(vol, path string) ([]string, error) {
	return nil, ErrNoHardlinkEnum
}
