//go:build !unix

package fs

import "os"

func flock(*os.File, LockType) error {
	return nil
}

func funlock(*os.File) error {
	return nil
}
