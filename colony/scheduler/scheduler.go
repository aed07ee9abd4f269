// Package scheduler implements the per-actor operation admission discipline
// of spec.md §4.E: serial operations get exclusive access, parallel
// operations share access with each other once no serial is running, and
// readonly operations are never gated at all.
package scheduler

import (
	"context"

	"github.com/mulgadc/colony/colony/colonyerr"
)

// Mode is an operation's declared concurrency class.
type Mode int

const (
	// Serial operations run exclusively: no other serial or parallel
	// operation may run at the same time. This is the default mode.
	Serial Mode = iota
	// Parallel operations run concurrently with each other and with
	// readonly operations, but never while a serial operation is running.
	Parallel
	// ReadOnly operations are never queued and never block anything.
	ReadOnly
)

func (m Mode) String() string {
	switch m {
	case Serial:
		return "serial"
	case Parallel:
		return "parallel"
	case ReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

type request struct {
	mode Mode
	done chan error // sent exactly once: nil on admission, an error on rejection
}

// Scheduler tracks one actor's in-flight serial/parallel operations and the
// FIFO of waiters admitted per the conceptual model in spec.md §4.E.
type Scheduler struct {
	mu              chan struct{} // binary semaphore, see lock()/unlock()
	runningSerial   int
	runningParallel int
	queue           []*request
	aborted         bool
}

// New returns a ready Scheduler with no operations running.
func New() *Scheduler {
	s := &Scheduler{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *Scheduler) lock()   { <-s.mu }
func (s *Scheduler) unlock() { s.mu <- struct{}{} }

// Acquire blocks until mode is admitted, ctx is done, or the scheduler is
// aborted, whichever comes first. On success it returns a release func the
// caller must call exactly once when the operation finishes. readonly
// operations are admitted immediately and their release is a no-op.
func (s *Scheduler) Acquire(ctx context.Context, mode Mode) (release func(), err error) {
	if mode == ReadOnly {
		s.lock()
		aborted := s.aborted
		s.unlock()
		if aborted {
			return nil, colonyerr.ActorAborted
		}
		return func() {}, nil
	}

	req := &request{mode: mode, done: make(chan error, 1)}

	s.lock()
	if s.aborted {
		s.unlock()
		return nil, colonyerr.ActorAborted
	}
	s.queue = append(s.queue, req)
	s.admitLocked()
	s.unlock()

	select {
	case err := <-req.done:
		if err != nil {
			return nil, err
		}
		return s.releaseFunc(mode), nil
	case <-ctx.Done():
		s.lock()
		if s.removeLocked(req) {
			s.unlock()
			return nil, colonyerr.ActionTimedOut
		}
		// Lost the race: req was admitted (or rejected) concurrently with
		// ctx firing. Drain its result and, if it was admitted, release the
		// slot immediately since the caller never gets to run the op.
		s.unlock()
		if admitErr := <-req.done; admitErr == nil {
			s.release(mode)
		}
		return nil, colonyerr.ActionTimedOut
	}
}

func (s *Scheduler) releaseFunc(mode Mode) func() {
	var released bool
	return func() {
		if released {
			return
		}
		released = true
		s.release(mode)
	}
}

func (s *Scheduler) release(mode Mode) {
	s.lock()
	switch mode {
	case Serial:
		s.runningSerial--
	case Parallel:
		s.runningParallel--
	}
	s.admitLocked()
	s.unlock()
}

// admitLocked applies the §4.E admission rules to the head of the queue,
// repeatedly, for as long as progress can be made. Must be called with the
// scheduler locked.
func (s *Scheduler) admitLocked() {
	for len(s.queue) > 0 {
		head := s.queue[0]
		switch head.mode {
		case Serial:
			if s.runningSerial == 0 && s.runningParallel == 0 {
				s.queue = s.queue[1:]
				s.runningSerial++
				head.done <- nil
			}
			// Whether or not the serial head was admitted, nothing behind
			// it may jump ahead (fairness: a queued serial is never
			// starved by a stream of parallel admissions).
			return
		case Parallel:
			if s.runningSerial > 0 {
				return
			}
			s.queue = s.queue[1:]
			s.runningParallel++
			head.done <- nil
			// Continue: further parallel waiters behind this one may also
			// be admitted immediately, up to the next serial in the queue.
		}
	}
}

// removeLocked deletes req from the queue if it is still waiting there,
// reporting whether it found (and removed) it. Must be called with the
// scheduler locked.
func (s *Scheduler) removeLocked(req *request) bool {
	for i, r := range s.queue {
		if r == req {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Abort rejects every currently queued waiter with colonyerr.ActorAborted
// and marks the scheduler so future Acquire calls fail the same way
// (spec.md §4.E cancellation). It does not affect operations already
// admitted and running; those observe the caller's own abort signal.
func (s *Scheduler) Abort() {
	s.lock()
	s.aborted = true
	queued := s.queue
	s.queue = nil
	s.unlock()
	for _, r := range queued {
		r.done <- colonyerr.ActorAborted
	}
}

// Reset clears the aborted flag and counters, for reuse when an actor is
// recreated under the same in-memory Scheduler (registry.CreateActor after
// a destroy issues a fresh generation but callers may choose to keep one
// Scheduler per Entry across that transition).
func (s *Scheduler) Reset() {
	s.lock()
	s.aborted = false
	s.runningSerial = 0
	s.runningParallel = 0
	s.queue = nil
	s.unlock()
}

// Snapshot reports the scheduler's current counters, for diagnostics/tests.
type Snapshot struct {
	RunningSerial   int
	RunningParallel int
	Queued          int
	Aborted         bool
}

func (s *Scheduler) Snapshot() Snapshot {
	s.lock()
	defer s.unlock()
	return Snapshot{
		RunningSerial:   s.runningSerial,
		RunningParallel: s.runningParallel,
		Queued:          len(s.queue),
		Aborted:         s.aborted,
	}
}
