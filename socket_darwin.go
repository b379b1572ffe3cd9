//go:build darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// sysSocket creates a socket, then sets the flags Darwin cannot set at
// creation time.
func sysSocket(domain, sotype, proto int) (int, error) {
	fd, err := unix.Socket(domain, sotype, proto)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sysAccept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
