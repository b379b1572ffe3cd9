//go:build linux

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for wake-up notifications, returned as
// both the read and the write end.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

// wakeBytes is the eventfd counter increment written on every wake-up.
var wakeBytes = binary.NativeEndian.AppendUint64(nil, 1)
