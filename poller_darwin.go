//go:build darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// poller multiplexes readiness using kqueue (Darwin). Read and write
// interest are separate filters, and are reported as separate events.
//
// It is only accessed from the loop goroutine.
type poller struct { // betteralign:ignore
	kq       int
	eventBuf []unix.Kevent_t
	closed   bool
}

func (p *poller) init(budget int) error {
	if p.closed {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.eventBuf = make([]unix.Kevent_t, budget)
	return nil
}

func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.kq > 0 {
		return unix.Close(p.kq)
	}
	return nil
}

// control moves the interest for fd from old to events, deleting the
// filters no longer wanted before adding the new ones.
func (p *poller) control(fd int, old, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if removed := old &^ events; removed != 0 {
		if _, err := unix.Kevent(p.kq, eventsToKevents(fd, removed, unix.EV_DELETE), nil, nil); err != nil && err != unix.ENOENT {
			return err
		}
	}
	if added := events &^ old; added != 0 {
		if _, err := unix.Kevent(p.kq, eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// wait blocks for up to timeoutMs (-1 meaning forever), calling fn once per
// ready filter. EINTR is reported as zero events.
func (p *poller) wait(timeoutMs int, fn func(fd int, events IOEvents)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fn(int(p.eventBuf[i].Ident), keventToEvents(&p.eventBuf[i]))
	}
	return n, nil
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
