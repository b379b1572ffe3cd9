//go:build linux || darwin

package reactor

import (
	"os"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func writeFD(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

// dupFD duplicates fd with close-on-exec set, so that the loop can wait on
// (and later close) its own descriptor independently of the caller's.
func dupFD(fd int) (int, error) {
	if fd < 0 {
		return -1, ErrFDOutOfRange
	}
	for {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, &os.SyscallError{Syscall: "fcntl", Err: err}
		}
		return nfd, nil
	}
}
