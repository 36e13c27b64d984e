//go:build !linux

package filestore

import "os"

func disableReadAhead(f *os.File) error {
	return nil
}
