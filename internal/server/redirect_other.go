//go:build !linux && !darwin && !freebsd

package server

import (
	"errors"
	"os"
)

func redirectFD(*os.File, int) error {
	return errors.ErrUnsupported
}
