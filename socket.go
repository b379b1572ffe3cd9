//go:build linux || darwin

package reactor

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Family is the address family of a socket.
type Family uint8

const (
	// FamilyUnspec leaves the family unconstrained, in resolver hints.
	FamilyUnspec Family = iota
	FamilyInet
	FamilyInet6
	FamilyUnix
)

func (f Family) String() string {
	switch f {
	case FamilyUnspec:
		return "unspec"
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	case FamilyUnix:
		return "unix"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Domain returns the AF_* constant for the family.
func (f Family) Domain() int {
	switch f {
	case FamilyInet:
		return unix.AF_INET
	case FamilyInet6:
		return unix.AF_INET6
	case FamilyUnix:
		return unix.AF_UNIX
	default:
		return unix.AF_UNSPEC
	}
}

// FamilyOf returns the family of an AF_* constant.
func FamilyOf(domain int) Family {
	switch domain {
	case unix.AF_INET:
		return FamilyInet
	case unix.AF_INET6:
		return FamilyInet6
	case unix.AF_UNIX:
		return FamilyUnix
	default:
		return FamilyUnspec
	}
}

// sockaddrFamily returns the family of a concrete address type.
func sockaddrFamily(sa unix.Sockaddr) Family {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return FamilyInet
	case *unix.SockaddrInet6:
		return FamilyInet6
	case *unix.SockaddrUnix:
		return FamilyUnix
	default:
		return FamilyUnspec
	}
}

// checkAddrFamily rejects addresses that cannot be used with a socket of
// family f.
func checkAddrFamily(f Family, sa unix.Sockaddr) error {
	if sa == nil {
		return fmt.Errorf("%w: nil address", ErrAddressFamily)
	}
	if got := sockaddrFamily(sa); got != f {
		return fmt.Errorf("%w: %s address for %s socket", ErrAddressFamily, got, f)
	}
	return nil
}

// FormatSockaddr renders an address as host:port, [host]:port, or a unix
// socket path.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		host := net.IP(sa.Addr[:]).String()
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				host += "%" + ifi.Name
			} else {
				host += "%" + strconv.FormatUint(uint64(sa.ZoneId), 10)
			}
		}
		return net.JoinHostPort(host, strconv.Itoa(sa.Port))
	case *unix.SockaddrUnix:
		return sa.Name
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", sa)
	}
}

// Socket is the capability set the socket operations need. The loop never
// closes a Socket; it waits on (and closes) its own duplicate of Fd where
// needed.
type Socket interface {
	// Fd returns the underlying descriptor, which must be non-blocking.
	Fd() int
	Family() Family
	// Connect starts a connection, returning (or wrapping) EINPROGRESS if
	// it will complete asynchronously.
	Connect(addr unix.Sockaddr) error
	// Accept accepts a pending connection, returning (or wrapping) EAGAIN
	// if there is none.
	Accept() (Socket, unix.Sockaddr, error)
	// SockError returns the pending socket error (SO_ERROR): nil if there
	// is none, a unix.Errno if there is, or the error from retrieving it.
	SockError() error
	SetNonblock(nonblocking bool) error
}

// SysSocket is the default [Socket], a thin wrapper over a descriptor.
type SysSocket struct {
	fd     int
	family Family
	mu     sync.Mutex
	closed bool
}

var _ Socket = (*SysSocket)(nil)

// NewSocket creates a non-blocking, close-on-exec socket.
func NewSocket(family Family, sotype, proto int) (*SysSocket, error) {
	fd, err := sysSocket(family.Domain(), sotype, proto)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return &SysSocket{fd: fd, family: family}, nil
}

// WrapFD wraps an existing descriptor, taking ownership of it (see Close).
// The descriptor is not made non-blocking; call SetNonblock if required.
func WrapFD(fd int, family Family) *SysSocket {
	return &SysSocket{fd: fd, family: family}
}

// SocketPair creates a connected pair of non-blocking unix stream sockets.
func SocketPair() (*SysSocket, *SysSocket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	a, b := WrapFD(fds[0], FamilyUnix), WrapFD(fds[1], FamilyUnix)
	for _, s := range [...]*SysSocket{a, b} {
		unix.CloseOnExec(s.fd)
		if err := s.SetNonblock(true); err != nil {
			_ = a.Close()
			_ = b.Close()
			return nil, nil, err
		}
	}
	return a, b, nil
}

func (s *SysSocket) Fd() int { return s.fd }

func (s *SysSocket) Family() Family { return s.family }

func (s *SysSocket) Connect(addr unix.Sockaddr) error {
	if err := unix.Connect(s.fd, addr); err != nil {
		return os.NewSyscallError("connect", err)
	}
	return nil
}

func (s *SysSocket) Accept() (Socket, unix.Sockaddr, error) {
	fd, sa, err := sysAccept(s.fd)
	if err != nil {
		return nil, nil, os.NewSyscallError("accept", err)
	}
	family := s.family
	if f := sockaddrFamily(sa); f != FamilyUnspec {
		family = f
	}
	return &SysSocket{fd: fd, family: family}, sa, nil
}

func (s *SysSocket) SockError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func (s *SysSocket) SetNonblock(nonblocking bool) error {
	if err := unix.SetNonblock(s.fd, nonblocking); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

// Bind assigns a local address.
func (s *SysSocket) Bind(addr unix.Sockaddr) error {
	if err := checkAddrFamily(s.family, addr); err != nil {
		return err
	}
	if err := unix.Bind(s.fd, addr); err != nil {
		return os.NewSyscallError("bind", err)
	}
	return nil
}

// Listen marks the socket as accepting connections.
func (s *SysSocket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *SysSocket) SetReuseAddr(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}

// LocalAddr returns the bound address.
func (s *SysSocket) LocalAddr() (unix.Sockaddr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return sa, nil
}

// PeerAddr returns the connected peer's address.
func (s *SysSocket) PeerAddr() (unix.Sockaddr, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return sa, nil
}

// Close closes the descriptor. It is safe to call more than once.
func (s *SysSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return closeFD(s.fd)
}

func (s *SysSocket) String() string {
	return fmt.Sprintf("SysSocket(fd=%d, family=%s)", s.fd, s.family)
}
