//go:build !linux

package ranklog

import "os"

func redirectStdio(*os.File) (func() error, error) {
	return nil, ErrRedirectUnsupported
}
