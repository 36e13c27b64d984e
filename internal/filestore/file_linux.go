package filestore

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableReadAhead hints the kernel that this file will be accessed at
// piece-sized random offsets rather than sequentially, avoiding wasted
// readahead I/O for a download that jumps between pieces by rarity
// rather than file order.
func disableReadAhead(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
