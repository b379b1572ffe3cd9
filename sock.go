//go:build linux || darwin

package reactor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Accepted is the result of [Loop.SockAccept].
type Accepted struct {
	// Conn is the accepted connection, already set non-blocking.
	Conn Socket
	// Addr is the address of the peer.
	Addr unix.Sockaddr
}

// failure classifies the outcome of a socket attempt.
type failure int

const (
	failNone failure = iota
	// failTransient means the attempt should be retried on readiness.
	failTransient
	// failShutdown is the cooperative shutdown signal, never delivered to
	// a future.
	failShutdown
	// failFault is delivered to the future.
	failFault
)

func classify(err error) failure {
	switch {
	case err == nil:
		return failNone
	case isShutdown(err):
		return failShutdown
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return failTransient
	default:
		return failFault
	}
}

// connectPending reports whether a connect attempt is still in progress.
func connectPending(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY)
}

// sockOp is the loop-side state of a single socket operation. The
// registration key always uses the caller's descriptor, while the poller
// may wait on a duplicate owned by the operation.
type sockOp struct {
	loop     *Loop
	reg      *registration
	key      regKey
	waitFd   int
	ownsFd   bool
	released bool
}

func (l *Loop) newSockOp(sock Socket, dir Direction, dup bool) (*sockOp, error) {
	if sock == nil {
		return nil, errors.New("reactor: nil socket")
	}
	fd := sock.Fd()
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	op := &sockOp{
		loop:   l,
		key:    regKey{fd: fd, dir: dir},
		waitFd: fd,
	}
	if dup {
		nfd, err := dupFD(fd)
		if err != nil {
			return nil, err
		}
		op.waitFd = nfd
		op.ownsFd = true
	}
	return op, nil
}

// wait arms the operation's registration.
func (op *sockOp) wait(completion func(), abort func(error)) error {
	reg, err := op.loop.registry.add(op.key, op.waitFd, completion, abort)
	if err != nil {
		return err
	}
	op.reg = reg
	return nil
}

// release disarms the registration (if still live) and closes the
// duplicated descriptor. It is idempotent.
func (op *sockOp) release() {
	if op.released {
		return
	}
	op.released = true
	if op.reg != nil {
		if _, err := op.loop.registry.removeIf(op.reg); err != nil {
			op.loop.logger.Debug().Int("fd", op.waitFd).Err(err).Log("reactor: failed to disarm descriptor")
		}
		op.reg = nil
	}
	if op.ownsFd {
		_ = closeFD(op.waitFd)
	}
}

// startOp posts begin to the loop. If the loop has terminated, fut is
// rejected immediately, and if begin is discarded unrun by Close, op is
// released.
func startOp[T any](l *Loop, fut *Future[T], op *sockOp, begin func()) {
	if op != nil {
		fut.setOnCancel(op.release)
	}
	abort := func(err error) {
		if op != nil {
			op.release()
		}
		fut.reject(err)
	}
	err := l.postOwned(func() {
		if op != nil && !opLive(op, fut) {
			return
		}
		if op == nil && fut.State() != FuturePending {
			return
		}
		begin()
	}, func() { abort(ErrLoopTerminated) })
	if err != nil {
		abort(err)
	}
}

// opLive reports whether fut still wants a result, releasing op if not.
func opLive[T any](op *sockOp, fut *Future[T]) bool {
	if fut.State() == FuturePending {
		return true
	}
	op.release()
	return false
}

// armOp waits for readiness before running step. Shutdown of the loop
// rejects fut through the registration's abort hook.
func armOp[T any](op *sockOp, fut *Future[T], step func(), retry bool) {
	if retry {
		op.loop.metrics.recordRetry()
	}
	err := op.wait(step, func(err error) {
		op.release()
		fut.reject(err)
	})
	if err != nil {
		failOp(op, fut, err)
	}
}

// failOp ends the operation with err. A cooperative shutdown error is
// raised on the loop goroutine instead of being delivered.
func failOp[T any](op *sockOp, fut *Future[T], err error) {
	if op != nil {
		op.release()
	}
	if isShutdown(err) {
		panic(err)
	}
	if fut.reject(err) && fut.core.loop != nil {
		fut.core.loop.metrics.recordFault()
	}
}

// SockRecv receives up to n bytes from sock, resolving with the bytes read
// (an empty slice at end of stream). Exactly one read is made per
// readiness notification.
func (l *Loop) SockRecv(sock Socket, n int) *Future[[]byte] {
	fut := newOpFuture[[]byte](l)
	if n < 0 {
		fut.reject(fmt.Errorf("reactor: recv: negative size %d", n))
		return fut
	}
	op, err := l.newSockOp(sock, Read, true)
	if err != nil {
		fut.reject(err)
		return fut
	}

	var step func()
	step = func() {
		if !opLive(op, fut) {
			return
		}
		buf := make([]byte, n)
		m, err := readFD(op.waitFd, buf)
		switch classify(err) {
		case failNone:
			op.release()
			fut.resolve(buf[:m])
		case failTransient:
			armOp(op, fut, step, true)
		default:
			failOp(op, fut, os.NewSyscallError("read", err))
		}
	}

	startOp(l, fut, op, func() { armOp(op, fut, step, false) })
	return fut
}

// SockRecvInto receives into buf, resolving with the number of bytes read.
// The read is made directly into buf, which must not be accessed until the
// future is done.
func (l *Loop) SockRecvInto(sock Socket, buf []byte) *Future[int] {
	fut := newOpFuture[int](l)
	op, err := l.newSockOp(sock, Read, true)
	if err != nil {
		fut.reject(err)
		return fut
	}

	var step func()
	step = func() {
		if !opLive(op, fut) {
			return
		}
		m, err := readFD(op.waitFd, buf)
		switch classify(err) {
		case failNone:
			op.release()
			fut.resolve(m)
		case failTransient:
			armOp(op, fut, step, true)
		default:
			failOp(op, fut, os.NewSyscallError("read", err))
		}
	}

	startOp(l, fut, op, func() { armOp(op, fut, step, false) })
	return fut
}

// SockSend makes exactly one write of data once sock is writable,
// resolving with the number of bytes written. See [Loop.SockSendall] to
// write everything.
func (l *Loop) SockSend(sock Socket, data []byte) *Future[int] {
	fut := newOpFuture[int](l)
	op, err := l.newSockOp(sock, Write, true)
	if err != nil {
		fut.reject(err)
		return fut
	}

	var step func()
	step = func() {
		if !opLive(op, fut) {
			return
		}
		m, err := writeFD(op.waitFd, data)
		switch classify(err) {
		case failNone:
			op.release()
			fut.resolve(m)
		case failTransient:
			armOp(op, fut, step, true)
		default:
			failOp(op, fut, os.NewSyscallError("write", err))
		}
	}

	startOp(l, fut, op, func() { armOp(op, fut, step, false) })
	return fut
}

// SockSendall writes all of data to sock, waiting for writability again
// after every partial write. data must not be modified until the future is
// done.
func (l *Loop) SockSendall(sock Socket, data []byte) *Future[struct{}] {
	fut := newOpFuture[struct{}](l)
	op, err := l.newSockOp(sock, Write, true)
	if err != nil {
		fut.reject(err)
		return fut
	}

	var sent int
	var step func()
	step = func() {
		if !opLive(op, fut) {
			return
		}
		for sent < len(data) {
			m, err := writeFD(op.waitFd, data[sent:])
			sent += m
			if err == nil && m == 0 {
				err = unix.EAGAIN
			}
			switch classify(err) {
			case failNone:
				continue
			case failTransient:
				armOp(op, fut, step, true)
			default:
				failOp(op, fut, os.NewSyscallError("write", err))
			}
			return
		}
		op.release()
		fut.resolve(struct{}{})
	}

	startOp(l, fut, op, func() { armOp(op, fut, step, false) })
	return fut
}

// SockConnect connects sock to addr. The connection is attempted
// immediately (on the loop); if it is in progress, the loop waits for
// writability, then checks SO_ERROR. Failures are delivered as a
// [*ConnectError] naming addr.
func (l *Loop) SockConnect(sock Socket, addr unix.Sockaddr) *Future[struct{}] {
	fut := newOpFuture[struct{}](l)
	if sock == nil {
		fut.reject(errors.New("reactor: nil socket"))
		return fut
	}
	if err := checkAddrFamily(sock.Family(), addr); err != nil {
		fut.reject(err)
		return fut
	}
	addrStr := FormatSockaddr(addr)

	startOp(l, fut, nil, func() {
		err := sock.Connect(addr)
		switch classify(err) {
		case failNone:
			fut.resolve(struct{}{})
			return
		case failShutdown:
			panic(err)
		case failFault:
			if !connectPending(err) {
				failOp(nil, fut, &ConnectError{Addr: addrStr, Err: err})
				return
			}
		}

		op, err := l.newSockOp(sock, Write, true)
		if err != nil {
			fut.reject(err)
			return
		}
		fut.setOnCancel(op.release)

		var step func()
		step = func() {
			if !opLive(op, fut) {
				return
			}
			err := sock.SockError()
			switch classify(err) {
			case failNone:
				op.release()
				fut.resolve(struct{}{})
			case failTransient:
				armOp(op, fut, step, true)
			case failShutdown:
				failOp(op, fut, err)
			default:
				if connectPending(err) {
					armOp(op, fut, step, true)
					return
				}
				failOp(op, fut, &ConnectError{Addr: addrStr, Err: err})
			}
		}

		armOp(op, fut, step, false)
	})
	return fut
}

// SockAccept accepts a connection on the listening socket sock. The accept
// is attempted immediately (on the loop), then retried each time sock
// becomes readable, until a connection is accepted or a fatal error occurs.
func (l *Loop) SockAccept(sock Socket) *Future[Accepted] {
	fut := newOpFuture[Accepted](l)
	op, err := l.newSockOp(sock, Read, false)
	if err != nil {
		fut.reject(err)
		return fut
	}

	var step func()
	step = func() {
		if !opLive(op, fut) {
			return
		}
		conn, sa, err := sock.Accept()
		if classify(err) == failFault && errors.Is(err, unix.ECONNABORTED) {
			err = unix.EAGAIN
		}
		switch classify(err) {
		case failNone:
			op.release()
			if err := conn.SetNonblock(true); err != nil {
				closeSocket(conn)
				failOp(nil, fut, err)
				return
			}
			if !fut.resolve(Accepted{Conn: conn, Addr: sa}) {
				closeSocket(conn)
			}
		case failTransient:
			armOp(op, fut, step, true)
		default:
			failOp(op, fut, err)
		}
	}

	startOp(l, fut, op, step)
	return fut
}

func closeSocket(sock Socket) {
	if c, ok := sock.(io.Closer); ok {
		_ = c.Close()
	}
}

// SockSendfile is not supported, and returns a rejected future.
func (l *Loop) SockSendfile(sock Socket, file *os.File, offset int64, count int) *Future[int] {
	fut := NewFuture[int](l)
	fut.reject(fmt.Errorf("%w: sendfile", ErrNotImplemented))
	return fut
}

// StartTLS is not supported, and returns a rejected future.
func (l *Loop) StartTLS(sock Socket, config *tls.Config, serverSide bool) *Future[Socket] {
	fut := NewFuture[Socket](l)
	fut.reject(fmt.Errorf("%w: start_tls", ErrNotImplemented))
	return fut
}
