//go:build linux

package ranklog

import (
	"os"

	"golang.org/x/sys/unix"
)

// redirectStdio points fds 1 and 2 at f so output written below the Go
// runtime (cgo, panics) lands in the rank log too.
func redirectStdio(f *os.File) (func() error, error) {
	savedOut, err := unix.Dup(unix.Stdout)
	if err != nil {
		return nil, err
	}
	savedErr, err := unix.Dup(unix.Stderr)
	if err != nil {
		_ = unix.Close(savedOut)
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.Dup3(fd, unix.Stdout, 0); err != nil {
		_ = unix.Close(savedOut)
		_ = unix.Close(savedErr)
		return nil, err
	}
	if err := unix.Dup3(fd, unix.Stderr, 0); err != nil {
		_ = unix.Dup3(savedOut, unix.Stdout, 0)
		_ = unix.Close(savedOut)
		_ = unix.Close(savedErr)
		return nil, err
	}
	return func() error {
		errOut := unix.Dup3(savedOut, unix.Stdout, 0)
		errErr := unix.Dup3(savedErr, unix.Stderr, 0)
		_ = unix.Close(savedOut)
		_ = unix.Close(savedErr)
		if errOut != nil {
			return errOut
		}
		return errErr
	}, nil
}
