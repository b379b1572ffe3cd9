//go:build linux || darwin

package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// AddrInfoHints.Flags values.
const (
	// AddrInfoPassive selects the wildcard address for an empty host.
	AddrInfoPassive = 1 << iota
	// AddrInfoCanonName requests the canonical name of the host, set on
	// the first result.
	AddrInfoCanonName
	// AddrInfoNumericHost requires host to be an IP literal.
	AddrInfoNumericHost
)

// GetNameInfo flags.
const (
	NameInfoNumericHost = 1
	NameInfoNumericServ = 2
	// NameInfoNameReqd fails the lookup if the host has no name.
	NameInfoNameReqd = 8
)

// AddrInfoHints constrains [Loop.GetAddrInfo]. Zero values are
// unconstrained.
type AddrInfoHints struct {
	Family     Family
	SocketType int
	Protocol   int
	Flags      int
}

// AddrInfo is a single resolved address.
type AddrInfo struct {
	Addr       unix.Sockaddr
	CanonName  string
	Family     Family
	SocketType int
	Protocol   int
}

// NameInfo is the result of [Loop.GetNameInfo].
type NameInfo struct {
	Host    string
	Service string
}

// Resolver performs (blocking) name resolution. It is called from worker
// goroutines, never the loop goroutine, and must honour ctx.
type Resolver interface {
	GetAddrInfo(ctx context.Context, host string, port int, hints AddrInfoHints) ([]AddrInfo, error)
	GetNameInfo(ctx context.Context, sa unix.Sockaddr, flags int) (NameInfo, error)
}

// NetResolver is the default [Resolver], backed by a [net.Resolver].
// Services are always numeric.
type NetResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

var _ Resolver = (*NetResolver)(nil)

func (r *NetResolver) resolver() *net.Resolver {
	if r.Resolver != nil {
		return r.Resolver
	}
	return net.DefaultResolver
}

func (r *NetResolver) GetAddrInfo(ctx context.Context, host string, port int, hints AddrInfoHints) ([]AddrInfo, error) {
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	var network string
	switch hints.Family {
	case FamilyUnspec:
		network = "ip"
	case FamilyInet:
		network = "ip4"
	case FamilyInet6:
		network = "ip6"
	default:
		return nil, fmt.Errorf("%w: %s", ErrAddressFamily, hints.Family)
	}

	var addrs []netip.Addr
	switch {
	case host == "" && hints.Flags&AddrInfoPassive != 0:
		addrs = []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}
	case host == "":
		addrs = []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, 1}), netip.IPv6Loopback()}
	default:
		if addr, err := netip.ParseAddr(host); err == nil {
			addrs = []netip.Addr{addr}
		} else if hints.Flags&AddrInfoNumericHost != 0 {
			return nil, &net.DNSError{Err: "not a numeric host", Name: host, IsNotFound: true}
		} else {
			addrs, err = r.resolver().LookupNetIP(ctx, network, host)
			if err != nil {
				return nil, err
			}
		}
	}

	var canon string
	if hints.Flags&AddrInfoCanonName != 0 {
		canon = host
		if host != "" {
			if _, err := netip.ParseAddr(host); err != nil {
				if cname, err := r.resolver().LookupCNAME(ctx, host); err == nil {
					canon = strings.TrimSuffix(cname, ".")
				}
			}
		}
	}

	types := [][2]int{{hints.SocketType, hints.Protocol}}
	if hints.SocketType == 0 {
		types = [][2]int{{unix.SOCK_STREAM, unix.IPPROTO_TCP}, {unix.SOCK_DGRAM, unix.IPPROTO_UDP}}
		if hints.Protocol != 0 {
			types[0][1], types[1][1] = hints.Protocol, hints.Protocol
		}
	} else if hints.Protocol == 0 {
		switch hints.SocketType {
		case unix.SOCK_STREAM:
			types[0][1] = unix.IPPROTO_TCP
		case unix.SOCK_DGRAM:
			types[0][1] = unix.IPPROTO_UDP
		}
	}

	var infos []AddrInfo
	for _, addr := range addrs {
		addr = addr.Unmap()
		family := FamilyInet6
		if addr.Is4() {
			family = FamilyInet
		}
		if hints.Family != FamilyUnspec && hints.Family != family {
			continue
		}
		for _, t := range types {
			infos = append(infos, AddrInfo{
				Addr:       sockaddrOf(addr, port),
				Family:     family,
				SocketType: t[0],
				Protocol:   t[1],
			})
		}
	}
	if len(infos) == 0 {
		return nil, &net.DNSError{Err: "no suitable address", Name: host, IsNotFound: true}
	}
	infos[0].CanonName = canon
	return infos, nil
}

func (r *NetResolver) GetNameInfo(ctx context.Context, sa unix.Sockaddr, flags int) (NameInfo, error) {
	var (
		addr netip.Addr
		port int
	)
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		addr, port = netip.AddrFrom4(sa.Addr), sa.Port
	case *unix.SockaddrInet6:
		addr, port = netip.AddrFrom16(sa.Addr), sa.Port
		if sa.ZoneId != 0 {
			addr = addr.WithZone(zoneName(sa.ZoneId))
		}
	default:
		return NameInfo{}, fmt.Errorf("%w: %s", ErrAddressFamily, sockaddrFamily(sa))
	}

	info := NameInfo{Host: addr.String(), Service: strconv.Itoa(port)}
	if flags&NameInfoNumericHost != 0 {
		if flags&NameInfoNameReqd != 0 {
			return NameInfo{}, &net.DNSError{Err: "name required", Name: info.Host, IsNotFound: true}
		}
		return info, nil
	}

	names, err := r.resolver().LookupAddr(ctx, addr.WithZone("").String())
	if err == nil && len(names) != 0 {
		info.Host = strings.TrimSuffix(names[0], ".")
		return info, nil
	}
	if flags&NameInfoNameReqd != 0 {
		if err == nil {
			err = &net.DNSError{Err: "no such host", Name: info.Host, IsNotFound: true}
		}
		return NameInfo{}, err
	}
	return info, nil
}

func sockaddrOf(addr netip.Addr, port int) unix.Sockaddr {
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}
	}
	sa := &unix.SockaddrInet6{Port: port, Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa
}

func zoneName(id uint32) string {
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// GetAddrInfo resolves host and port to socket addresses, using the loop's
// [Resolver]. The resolver runs on a bounded pool of worker goroutines (see
// [WithResolverConcurrency]), and the future is settled on the loop
// goroutine. Resolver failures are delivered as a [*ResolveError].
func (l *Loop) GetAddrInfo(host string, port int, hints AddrInfoHints) *Future[[]AddrInfo] {
	return offload(l, "getaddrinfo", net.JoinHostPort(host, strconv.Itoa(port)), func(ctx context.Context) ([]AddrInfo, error) {
		return l.resolver.GetAddrInfo(ctx, host, port, hints)
	})
}

// GetNameInfo resolves a socket address to a host and service, like
// [Loop.GetAddrInfo].
func (l *Loop) GetNameInfo(sa unix.Sockaddr, flags int) *Future[NameInfo] {
	return offload(l, "getnameinfo", FormatSockaddr(sa), func(ctx context.Context) (NameInfo, error) {
		return l.resolver.GetNameInfo(ctx, sa, flags)
	})
}

// offload runs call on a worker goroutine, bounded by the resolver
// semaphore, and posts its outcome back to the loop. Cancelling the future
// cancels the context passed to call.
func offload[T any](l *Loop, op, name string, call func(ctx context.Context) (T, error)) *Future[T] {
	fut := newOpFuture[T](l)
	if !l.state.CanAcceptWork() {
		fut.reject(ErrLoopTerminated)
		return fut
	}

	ctx, cancel := context.WithCancel(l.resolverCtx)
	fut.setOnCancel(cancel)

	l.logger.Debug().Str("op", op).Str("name", name).Log("reactor: resolver call offloaded")

	go func() {
		defer cancel()

		value, err := callResolver(ctx, l, call)
		if err != nil && !isShutdown(err) {
			err = &ResolveError{Op: op, Name: name, Err: err}
		}

		if perr := l.post(func() {
			switch {
			case err == nil:
				fut.resolve(value)
			case isShutdown(err):
				panic(err)
			default:
				if fut.reject(err) {
					l.metrics.recordFault()
				}
			}
		}); perr != nil {
			fut.reject(ErrLoopTerminated)
		}
	}()

	return fut
}

func callResolver[T any](ctx context.Context, l *Loop, call func(ctx context.Context) (T, error)) (value T, err error) {
	if err = l.resolverSem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.Canceled) && l.resolverCtx.Err() != nil {
			err = ErrLoopTerminated
		}
		return
	}
	defer l.resolverSem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return call(ctx)
}
