//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

// Rates above B230400 and the 250000 baud many driver boards default to.
var extraSpeeds = map[int]uint32{
	250000:  0x1003,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
}

func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = speed
	t.Ospeed = speed
}

// customSpeed returns the termios speed for a non-table rate.
func customSpeed(baud int) (uint32, bool) {
	return unix.BOTHER | uint32(baud), true
}

func setCustomBaudRate(fd, baud int) error {
	return nil
}
