//go:build !linux

package dispatch

import "errors"

func setAffinity(cpu int) error {
	return errors.New("cpu pinning is only supported on linux")
}
