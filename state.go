package reactor

import (
	"sync/atomic"
)

// LoopState represents the lifecycle state of a [Loop].
//
// Transitions:
//
//	StateAwake → StateRunning              [Run()]
//	StateRunning ⇄ StateSleeping           [poll, via CAS]
//	StateRunning/StateSleeping → StateTerminating [Shutdown(), ErrShutdown]
//	StateAwake → StateTerminated           [Shutdown() before Run()]
//	StateTerminating → StateTerminated     [shutdown complete]
//
// Running and Sleeping are only ever entered via TryTransition. Terminated
// is irreversible, and may be stored directly.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has stopped and released its
	// descriptors.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for readiness.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is processing callbacks.
	StateRunning LoopState = 3
	// StateTerminating indicates a shutdown has been requested but not yet
	// completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line.
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      //nolint:unused
	v atomic.Uint64                              // LoopState
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte //nolint:unused
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another,
// returning true on success.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning returns true if the loop is running or sleeping.
func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork returns true while callbacks may still be queued. A
// terminating loop still drains its queue, so only StateTerminated rejects.
func (s *fastState) CanAcceptWork() bool {
	return s.Load() != StateTerminated
}

// These constants are verified via unit tests.
const (
	// sizeOfCacheLine is 128 to satisfy the largest common alignment
	// requirement (Apple Silicon and other ARM64), while covering x86-64.
	sizeOfCacheLine = 128

	sizeOfAtomicUint64 = 8
)
