//go:build linux

// Package posix provides an awaitable executor for POSIX systems: the
// single-threaded scheduler extended with epoll so callbacks can fire on
// file descriptor readiness as well as on deadlines.
package posix

import (
	"time"

	"golang.org/x/sys/unix"

	cyphal "github.com/soypat/go-cyphal"
)

const maxEpollEvents = 32

// awaitable tracks one readiness registration.
type awaitable struct {
	id      cyphal.CallbackID
	fd      int
	trigger cyphal.AwaitTrigger
}

// fdSlots holds the registrations of one file descriptor: at most one per
// trigger, mirroring one epoll interest entry.
type fdSlots struct {
	read  *awaitable
	write *awaitable
	// writeArmed tracks whether EPOLLOUT is currently requested. Writable
	// interest is one-shot: sockets are writable almost always, so level
	// triggered EPOLLOUT would spin the loop.
	writeArmed bool
}

// Executor is a SingleThreadedExecutor that can additionally block in
// epoll_wait until the next deadline or fd readiness. It must be driven
// from a single goroutine via WaitAndSpin.
type Executor struct {
	*cyphal.SingleThreadedExecutor
	epfd   int
	byID   map[cyphal.CallbackID]*awaitable
	byFD   map[int]*fdSlots
	events [maxEpollEvents]unix.EpollEvent
	closed bool
}

var _ cyphal.AwaitableExecutor = (*Executor)(nil)

// NewExecutor builds the executor. Nil mem and clock select the defaults of
// the embedded scheduler.
func NewExecutor(mem cyphal.MemoryResource, clock cyphal.Clock) (*Executor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		SingleThreadedExecutor: cyphal.NewSingleThreadedExecutor(mem, clock),
		epfd:                   epfd,
		byID:                   make(map[cyphal.CallbackID]*awaitable),
		byFD:                   make(map[int]*fdSlots),
	}
	// Awaitable registrations must be disarmed however their callback is
	// removed, including one-shot auto-removal.
	e.SetRemovalHook(e.onCallbackRemoved)
	return e, nil
}

// RegisterAwaitable registers a persistent callback fired whenever fd
// reports the trigger condition. At most one registration per (fd, trigger)
// pair is allowed.
func (e *Executor) RegisterAwaitable(fn cyphal.CallbackFunc, fd int, trigger cyphal.AwaitTrigger) (cyphal.CallbackID, error) {
	if e.closed {
		return 0, cyphal.ErrClosed
	}
	if fd < 0 || (trigger != cyphal.TriggerReadable && trigger != cyphal.TriggerWritable) {
		return 0, cyphal.ErrInvalidArgument
	}
	slots := e.byFD[fd]
	if slots == nil {
		slots = &fdSlots{}
	}
	if (trigger == cyphal.TriggerReadable && slots.read != nil) ||
		(trigger == cyphal.TriggerWritable && slots.write != nil) {
		return 0, cyphal.ErrAlreadyExists
	}
	id, err := e.Register(fn)
	if err != nil {
		return 0, err
	}
	aw := &awaitable{id: id, fd: fd, trigger: trigger}
	if trigger == cyphal.TriggerReadable {
		slots.read = aw
	} else {
		slots.write = aw
		slots.writeArmed = true
	}
	e.byFD[fd] = slots
	e.byID[id] = aw
	if err := e.updateInterest(fd, slots); err != nil {
		e.Remove(id) // Rolls the maps back through the removal hook.
		return 0, err
	}
	return id, nil
}

// RearmWritable re-enables the one-shot writable interest of the identified
// registration. Media drivers call it after staging output they could not
// write immediately.
func (e *Executor) RearmWritable(id cyphal.CallbackID) error {
	aw := e.byID[id]
	if aw == nil || aw.trigger != cyphal.TriggerWritable {
		return cyphal.ErrNotFound
	}
	slots := e.byFD[aw.fd]
	if slots == nil || slots.writeArmed {
		return nil
	}
	slots.writeArmed = true
	return e.updateInterest(aw.fd, slots)
}

// WaitAndSpin runs due callbacks, then blocks until the earlier of the next
// deadline and fd readiness, schedules the triggered awaitables and runs
// them too. With nothing registered it returns immediately.
func (e *Executor) WaitAndSpin() (cyphal.SpinResult, error) {
	if e.closed {
		return cyphal.SpinResult{}, cyphal.ErrClosed
	}
	res := e.SpinOnce()
	timeoutMs := -1
	if !res.NextDeadline.IsZero() {
		d := res.NextDeadline.Sub(e.Now())
		if d < 0 {
			d = 0
		}
		// Round up so a wake never lands short of the deadline.
		timeoutMs = int((d + time.Millisecond - 1) / time.Millisecond)
	} else if len(e.byID) == 0 {
		return res, nil // Nothing to wait for.
	}
	n, err := unix.EpollWait(e.epfd, e.events[:], timeoutMs)
	if err != nil && err != unix.EINTR {
		return res, err
	}
	now := e.Now()
	for i := 0; i < n; i++ {
		ev := e.events[i]
		slots := e.byFD[int(ev.Fd)]
		if slots == nil {
			continue // Stale event raced with removal.
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 && slots.read != nil {
			e.ScheduleAt(slots.read.id, now)
		}
		if ev.Events&unix.EPOLLOUT != 0 && slots.write != nil {
			slots.writeArmed = false
			e.updateInterest(int(ev.Fd), slots)
			e.ScheduleAt(slots.write.id, now)
		}
	}
	if n > 0 {
		res2 := e.SpinOnce()
		res.NextDeadline = res2.NextDeadline
		if res2.WorstLateness > res.WorstLateness {
			res.WorstLateness = res2.WorstLateness
		}
	}
	return res, nil
}

// Close disarms all interest, closes the epoll handle and releases the
// embedded scheduler. The leak count mirrors SingleThreadedExecutor.Release.
func (e *Executor) Close() (leaked int, err error) {
	if e.closed {
		return 0, nil
	}
	e.closed = true
	for fd := range e.byFD {
		unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	e.byFD = nil
	e.byID = nil
	err = unix.Close(e.epfd)
	return e.Release(), err
}

func (e *Executor) onCallbackRemoved(id cyphal.CallbackID) {
	aw := e.byID[id]
	if aw == nil {
		return
	}
	delete(e.byID, id)
	slots := e.byFD[aw.fd]
	if slots == nil {
		return
	}
	if slots.read == aw {
		slots.read = nil
	}
	if slots.write == aw {
		slots.write = nil
		slots.writeArmed = false
	}
	if slots.read == nil && slots.write == nil {
		delete(e.byFD, aw.fd)
		unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, aw.fd, nil)
		return
	}
	e.updateInterest(aw.fd, slots)
}

// updateInterest reconciles the epoll entry of fd with its slots.
func (e *Executor) updateInterest(fd int, slots *fdSlots) error {
	var events uint32
	if slots.read != nil {
		events |= unix.EPOLLIN
	}
	if slots.write != nil && slots.writeArmed {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}
