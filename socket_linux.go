//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

func sysSocket(domain, sotype, proto int) (int, error) {
	return unix.Socket(domain, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
}

// sysAccept accepts a connection, which is made non-blocking and
// close-on-exec atomically.
func sysAccept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
