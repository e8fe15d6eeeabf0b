package cyphal

import (
	"time"
	"unsafe"
)

// CallbackID identifies a registered callback. Ids grow monotonically for
// the lifetime of the executor and are never reused.
type CallbackID uint64

// CallbackFunc is the stored callable of a callback. now is the approximate
// time sampled by the spin loop, not a fresh clock reading.
type CallbackFunc func(now time.Time)

// Executor is the capability interface of a cooperative callback scheduler.
// None of the operations are safe to call from more than one goroutine;
// the executor assumes a single driver loop that repeatedly calls SpinOnce
// (or blocks until the reported next deadline or I/O readiness). Reentrant
// calls from within a firing callback are permitted.
type Executor interface {
	Now() time.Time
	// Register adds a persistent callback which stays registered after it
	// fires and may be rescheduled any number of times.
	Register(fn CallbackFunc) (CallbackID, error)
	// RegisterOneShot adds a callback which is automatically unregistered
	// and destroyed right after its first firing.
	RegisterOneShot(fn CallbackFunc) (CallbackID, error)
	// ScheduleAt arms the identified callback to fire at or after the given
	// time point. Re-scheduling an already scheduled callback supersedes
	// its previous arming: at most one firing is pending per callback.
	// Reports false if the id is unknown.
	ScheduleAt(id CallbackID, at time.Time) bool
	// Remove disarms and unregisters the callback. A removed callback never
	// fires, even if already due. No-op for unknown ids.
	Remove(id CallbackID)
}

// AwaitTrigger selects the I/O readiness condition of an awaitable callback.
type AwaitTrigger uint8

const (
	TriggerReadable AwaitTrigger = iota + 1
	TriggerWritable
)

// AwaitableExecutor is implemented by executors that can additionally fire
// callbacks on OS handle readiness (see the posix subpackage). Media
// drivers use it to register their "ready to push"/"ready to pop" callbacks.
type AwaitableExecutor interface {
	Executor
	RegisterAwaitable(fn CallbackFunc, fd int, trigger AwaitTrigger) (CallbackID, error)
}

// SpinResult is the outcome of a single cooperative pass.
type SpinResult struct {
	// NextDeadline of the earliest still-pending scheduled callback, to be
	// used as the driver loop's wake-up hint. Zero when nothing is pending.
	NextDeadline time.Time
	// WorstLateness approximates the maximum of (now - deadline) across all
	// callbacks fired during the call. Never negative; the real slack may
	// be worse than the approximation.
	WorstLateness time.Duration
}

// callbackNode belongs simultaneously to two trees sharing this storage:
// the registered tree (keyed by id, the authoritative ownership index) and
// the scheduled tree (keyed by execution time, populated only while the
// node is pending execution).
type callbackNode struct {
	reg   TreeNode // Must be first field due to use of unsafe.
	sched TreeNode
	id    CallbackID
	fn    CallbackFunc
	// One-shot vs persistent.
	autoRemove bool
	scheduled  bool
	deadline   time.Time
}

var callbackNodeSize = int(unsafe.Sizeof(callbackNode{}))

//go:inline
func nodeFromRegistered(n *TreeNode) *callbackNode {
	return (*callbackNode)(unsafe.Pointer(n))
}

//go:inline
func nodeFromScheduled(n *TreeNode) *callbackNode {
	return (*callbackNode)(unsafe.Add(unsafe.Pointer(n), -int(unsafe.Offsetof(callbackNode{}.sched))))
}

func predicateCallbackID(userRef any, n *TreeNode) int8 {
	sought := userRef.(CallbackID)
	other := nodeFromRegistered(n).id
	if sought == other {
		return 0
	}
	return bsign(sought > other)
}

// predicateDeadline never reports equality so that multiple nodes may share
// one execution time; of two nodes with equal deadlines the one inserted
// later compares later, which keeps firing order FIFO within a deadline.
func predicateDeadline(userRef any, n *TreeNode) int8 {
	at := userRef.(time.Time)
	if at.Before(nodeFromScheduled(n).deadline) {
		return -1
	}
	return 1
}

// SingleThreadedExecutor is the callback registry and scheduler driving all
// timed work in the middleware. It owns a pool of callback nodes indexed by
// two AVL trees over the same storage.
type SingleThreadedExecutor struct {
	clock      Clock
	mem        MemoryResource
	registered *TreeNode
	scheduled  *TreeNode
	lastID     CallbackID
	onRemoved  func(CallbackID)
}

// NewSingleThreadedExecutor builds an executor allocating its callback
// nodes from mem. Nil mem or clock select the unbounded resource and the
// system monotonic clock.
func NewSingleThreadedExecutor(mem MemoryResource, clock Clock) *SingleThreadedExecutor {
	return &SingleThreadedExecutor{
		clock: clockOrDefault(clock),
		mem:   memOrDefault(mem),
	}
}

func (e *SingleThreadedExecutor) Now() time.Time { return e.clock.Now() }

// SetRemovalHook installs the seam invoked whenever a callback leaves the
// registered index, by explicit removal or by firing as one-shot. At most
// one owner (a deriving executor or transport) may install it.
func (e *SingleThreadedExecutor) SetRemovalHook(fn func(CallbackID)) { e.onRemoved = fn }

func (e *SingleThreadedExecutor) Register(fn CallbackFunc) (CallbackID, error) {
	return e.appendCallback(false, fn)
}

func (e *SingleThreadedExecutor) RegisterOneShot(fn CallbackFunc) (CallbackID, error) {
	return e.appendCallback(true, fn)
}

func (e *SingleThreadedExecutor) appendCallback(autoRemove bool, fn CallbackFunc) (CallbackID, error) {
	if fn == nil {
		return 0, ErrInvalidArgument
	}
	if !e.mem.Acquire(callbackNodeSize) {
		return 0, ErrMemory
	}
	node := &callbackNode{fn: fn, autoRemove: autoRemove}
	e.lastID++
	node.id = e.lastID
	got, existed, err := search(&e.registered, node.id, predicateCallbackID, func(any) *TreeNode {
		return &node.reg
	})
	if err != nil {
		e.mem.Release(callbackNodeSize)
		return 0, err
	}
	if existed || got != &node.reg {
		panic("callback id collision")
	}
	return node.id, nil
}

func (e *SingleThreadedExecutor) findByID(id CallbackID) *callbackNode {
	got, _, err := search(&e.registered, id, predicateCallbackID, nil)
	if err != nil {
		return nil
	}
	return nodeFromRegistered(got)
}

func (e *SingleThreadedExecutor) ScheduleAt(id CallbackID, at time.Time) bool {
	node := e.findByID(id)
	if node == nil {
		return false
	}
	// Remove the previously scheduled entry (if any), then re/insert the
	// node at the new time. Guarantees no duplicate scheduled entries and
	// at most one pending firing per callback.
	if node.scheduled {
		remove(&e.scheduled, &node.sched)
	}
	node.scheduled = true
	node.deadline = at
	got, existed, err := search(&e.scheduled, at, predicateDeadline, func(any) *TreeNode {
		return &node.sched
	})
	if err != nil || existed || got != &node.sched {
		panic("bad scheduled insert")
	}
	return true
}

func (e *SingleThreadedExecutor) Remove(id CallbackID) {
	node := e.findByID(id)
	if node == nil {
		return
	}
	if node.scheduled {
		node.scheduled = false
		remove(&e.scheduled, &node.sched)
	}
	remove(&e.registered, &node.reg)
	e.notifyRemoved(id)
	e.destroyNode(node)
}

// SpinOnce executes all due callbacks in non-decreasing deadline order and
// returns once the earliest remaining deadline lies in the future. The
// clock is sampled lazily: only when the running local estimate suggests a
// deadline might not have passed yet. The minimum is taken fresh on every
// iteration, so callbacks may register, remove or reschedule callbacks
// (including themselves) while firing.
func (e *SingleThreadedExecutor) SpinOnce() (out SpinResult) {
	var approxNow time.Time
	for {
		minNode := findExtremum(e.scheduled, false)
		if minNode == nil {
			break
		}
		node := nodeFromScheduled(minNode)
		if !node.scheduled {
			panic("unscheduled node in scheduled tree")
		}
		execTime := node.deadline
		if approxNow.Before(execTime) {
			approxNow = e.clock.Now()
			if approxNow.Before(execTime) {
				out.NextDeadline = execTime
				break
			}
		}
		if late := approxNow.Sub(execTime); late > out.WorstLateness {
			out.WorstLateness = late
		}

		node.scheduled = false
		remove(&e.scheduled, &node.sched)

		autoRemove := node.autoRemove
		if autoRemove {
			remove(&e.registered, &node.reg)
			e.notifyRemoved(node.id)
		}

		node.fn(approxNow)

		if autoRemove {
			e.destroyNode(node)
		}
	}
	return out
}

// RegisteredCount reports the number of currently registered callbacks.
func (e *SingleThreadedExecutor) RegisteredCount() int { return e.registered.len() }

// Release destroys whatever callback nodes are left and returns their
// count. Properly used callback handles ("handle must not outlive the
// executor") should have removed them all, so a non-zero return indicates
// a leak in the caller. Only the registered tree is released: the scheduled
// tree indexes a subset of the same node storage.
func (e *SingleThreadedExecutor) Release() (leaked int) {
	traversePostOrder(e.registered, func(n *TreeNode) {
		leaked++
		e.destroyNode(nodeFromRegistered(n))
	})
	e.registered = nil
	e.scheduled = nil
	return leaked
}

func (e *SingleThreadedExecutor) notifyRemoved(id CallbackID) {
	if e.onRemoved != nil {
		e.onRemoved(id)
	}
}

func (e *SingleThreadedExecutor) destroyNode(node *callbackNode) {
	node.fn = nil
	e.mem.Release(callbackNodeSize)
}
