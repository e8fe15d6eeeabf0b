package cyphal

import "log/slog"

// MemoryResource is the allocator abstraction all pooled structures
// (callback nodes, session nodes, TX queue items) account through.
// Acquire reserves size bytes and reports false when the pool is exhausted;
// exhaustion is a recoverable error for the caller, never a crash.
// Every successful Acquire must be paired with a Release of the same size
// by teardown.
type MemoryResource interface {
	Acquire(size int) bool
	Release(size int)
}

// TrackingMemoryResource counts every acquired and released byte.
// A zero Limit disables the pool bound. The zero value is ready to use.
type TrackingMemoryResource struct {
	// Limit bounds the number of simultaneously allocated bytes.
	Limit int

	allocated   int
	deallocated int
}

func (m *TrackingMemoryResource) Acquire(size int) bool {
	if size < 0 {
		panic(ErrInvalidArgument)
	}
	if m.Limit > 0 && m.allocated-m.deallocated+size > m.Limit {
		return false
	}
	m.allocated += size
	return true
}

func (m *TrackingMemoryResource) Release(size int) {
	if size < 0 || m.deallocated+size > m.allocated {
		panic("release of bytes never acquired")
	}
	m.deallocated += size
}

// AllocatedBytes is the running total of acquired bytes.
func (m *TrackingMemoryResource) AllocatedBytes() int { return m.allocated }

// DeallocatedBytes is the running total of released bytes.
func (m *TrackingMemoryResource) DeallocatedBytes() int { return m.deallocated }

// InUseBytes is the current outstanding allocation.
func (m *TrackingMemoryResource) InUseBytes() int { return m.allocated - m.deallocated }

// unboundedResource is the fallback when no memory resource is injected.
type unboundedResource struct{}

func (unboundedResource) Acquire(int) bool { return true }
func (unboundedResource) Release(int)      {}

func memOrDefault(m MemoryResource) MemoryResource {
	if m == nil {
		return unboundedResource{}
	}
	return m
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

func logOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
