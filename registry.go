package reactor

import (
	"fmt"
)

// Direction is the readiness direction of a registration.
type Direction uint8

const (
	// Read waits for the descriptor to become readable (or acceptable).
	Read Direction = iota + 1
	// Write waits for the descriptor to become writable (or connected).
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

func (d Direction) events() IOEvents {
	switch d {
	case Read:
		return EventRead
	case Write:
		return EventWrite
	default:
		return 0
	}
}

func (d Direction) valid() bool {
	return d == Read || d == Write
}

// regKey identifies a registration. At most one registration exists per key.
type regKey struct {
	fd  int
	dir Direction
}

func (k regKey) String() string {
	return fmt.Sprintf("fd %d %s", k.fd, k.dir)
}

// registration is a one-shot readiness subscription. The poller watches
// waitFd, which may differ from key.fd when the operation waits on a
// duplicated descriptor.
type registration struct {
	completion func()
	// abort, if set, is called with the shutdown error when the registry is
	// closed with the registration still armed
	abort  func(error)
	key    regKey
	waitFd int
}

// watch is the set of registrations armed on a single wait descriptor.
type watch struct {
	read  *registration
	write *registration
}

func (w *watch) slot(dir Direction) **registration {
	if dir == Read {
		return &w.read
	}
	return &w.write
}

func (w *watch) events() IOEvents {
	var events IOEvents
	if w.read != nil {
		events |= EventRead
	}
	if w.write != nil {
		events |= EventWrite
	}
	return events
}

// registry maps (descriptor, direction) keys to their one-shot completions,
// and keeps the poller's interest set in sync. It is only accessed from the
// loop goroutine.
type registry struct {
	poller  *poller
	entries map[regKey]*registration
	watches map[int]*watch
}

func newRegistry(p *poller) *registry {
	return &registry{
		poller:  p,
		entries: make(map[regKey]*registration),
		watches: make(map[int]*watch),
	}
}

// add arms a registration for key, waiting on waitFd. A live registration
// for the same key (or the same waitFd and direction) is never replaced, and
// results in ErrBusy.
func (r *registry) add(key regKey, waitFd int, completion func(), abort func(error)) (*registration, error) {
	if key.fd < 0 || waitFd < 0 {
		return nil, ErrFDOutOfRange
	}
	if !key.dir.valid() {
		return nil, fmt.Errorf("reactor: invalid direction: %v", key.dir)
	}
	if _, ok := r.entries[key]; ok {
		return nil, fmt.Errorf("%w: %v", ErrBusy, key)
	}

	w := r.watches[waitFd]
	if w == nil {
		w = &watch{}
	}
	slot := w.slot(key.dir)
	if *slot != nil {
		return nil, fmt.Errorf("%w: fd %d %s (waiting for %v)", ErrBusy, waitFd, key.dir, (*slot).key)
	}

	reg := &registration{
		completion: completion,
		abort:      abort,
		key:        key,
		waitFd:     waitFd,
	}

	old := w.events()
	*slot = reg
	if err := r.poller.control(waitFd, old, w.events()); err != nil {
		*slot = nil
		return nil, err
	}

	r.watches[waitFd] = w
	r.entries[key] = reg
	return reg, nil
}

// remove disarms the registration for key, without invoking it. The
// returned error (if any) is from updating the poller; the registration is
// removed regardless.
func (r *registry) remove(key regKey) (*registration, error) {
	reg, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	return reg, r.detach(reg)
}

// removeIf disarms reg only if it is still the live registration for its
// key, reporting whether it was.
func (r *registry) removeIf(reg *registration) (bool, error) {
	if reg == nil || r.entries[reg.key] != reg {
		return false, nil
	}
	return true, r.detach(reg)
}

func (r *registry) detach(reg *registration) error {
	delete(r.entries, reg.key)
	w := r.watches[reg.waitFd]
	if w == nil {
		return nil
	}
	old := w.events()
	*w.slot(reg.key.dir) = nil
	events := w.events()
	if events == 0 {
		delete(r.watches, reg.waitFd)
	}
	return r.poller.control(reg.waitFd, old, events)
}

// ready removes every registration on waitFd fired by events, before
// handing each to fn. The error (if any) is from updating the poller.
func (r *registry) ready(waitFd int, events IOEvents, fn func(*registration)) error {
	w := r.watches[waitFd]
	if w == nil {
		return nil
	}
	var fired [2]*registration
	var n int
	for _, dir := range [...]Direction{Read, Write} {
		if reg := *w.slot(dir); reg != nil && events.fires(dir) {
			fired[n] = reg
			n++
		}
	}
	var err error
	for _, reg := range fired[:n] {
		if e := r.detach(reg); e != nil && err == nil {
			err = e
		}
	}
	for _, reg := range fired[:n] {
		fn(reg)
	}
	return err
}

// closeAll disarms every registration, calling its abort hook (if any) with
// err. Poller errors are ignored, as the poller is about to be closed.
func (r *registry) closeAll(err error) {
	regs := make([]*registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}
	for _, reg := range regs {
		_ = r.detach(reg)
	}
	for _, reg := range regs {
		if reg.abort != nil {
			reg.abort(err)
		}
	}
}

func (r *registry) len() int {
	return len(r.entries)
}
