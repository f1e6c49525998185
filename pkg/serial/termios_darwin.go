//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)

var extraSpeeds = map[int]uint32{}

func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = uint64(speed)
	t.Ospeed = uint64(speed)
}

// customSpeed opens at 9600; the real rate is applied with IOSSIOSPEED.
func customSpeed(baud int) (uint32, bool) {
	return unix.B9600, false
}

func setCustomBaudRate(fd, baud int) error {
	const iossiospeed = 0x80045402
	return unix.IoctlSetPointerInt(fd, iossiospeed, baud)
}
