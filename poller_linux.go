//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// poller multiplexes readiness using epoll (Linux), level-triggered.
//
// It is only accessed from the loop goroutine, and tracks no per-fd state:
// the registry computes the interest mask for every change.
type poller struct { // betteralign:ignore
	epfd     int
	eventBuf []unix.EpollEvent
	closed   bool
}

func (p *poller) init(budget int) error {
	if p.closed {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.eventBuf = make([]unix.EpollEvent, budget)
	return nil
}

func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.epfd > 0 {
		return unix.Close(p.epfd)
	}
	return nil
}

// control moves the interest for fd from old to events, adding or deleting
// the fd when either mask is empty.
func (p *poller) control(fd int, old, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	switch {
	case old == events:
		return nil
	case events == 0:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case old == 0:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: eventsToEpoll(events),
			Fd:     int32(fd),
		})
	default:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: eventsToEpoll(events),
			Fd:     int32(fd),
		})
	}
}

// wait blocks for up to timeoutMs (-1 meaning forever), calling fn once per
// ready descriptor. EINTR is reported as zero events.
func (p *poller) wait(timeoutMs int, fn func(fd int, events IOEvents)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fn(int(p.eventBuf[i].Fd), epollToEvents(p.eventBuf[i].Events))
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
