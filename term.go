package serialterm

import (
	"sync"
	"time"
)

// Event is a notification pushed to the consumer side.
type Event int

const (
	// EventWakeup tells the consumer that terminal state changed and a
	// redraw (or equivalent) is warranted.
	EventWakeup Event = iota
)

// EventListener receives loop events. Implementations must not block: the
// event loop calls SendEvent while it may hold the terminal lock.
type EventListener interface {
	SendEvent(Event)
}

// Emulator is the terminal state machine fed by the event loop. The grid,
// cursor and escape-sequence grammar live behind this interface; the loop
// only advances it byte by byte and manages its synchronized-update timing.
//
// Advance and StopSync are called with the owning Term lock held.
// SyncDeadline and SyncBytes are queried by the loop goroutine without the
// lock and must be safe for concurrent use.
type Emulator interface {
	// Advance feeds a single byte into the state machine.
	Advance(b byte)
	// StopSync force-ends a pending synchronized update so buffered
	// changes become visible.
	StopSync()
	// SyncDeadline reports the deadline at which a pending synchronized
	// update must be force-expired. The bool is false when no update is
	// pending.
	SyncDeadline() (time.Time, bool)
	// SyncBytes reports how many bytes are currently absorbed into the
	// pending synchronized update.
	SyncBytes() int
}

// fairMutex grants access in roughly request order. It is the two-stage
// scheme used by terminal emulators to arbitrate between a reader thread
// and a renderer: fair lockers queue on next before taking data, so an
// unfair locker cannot starve them, and a lease on next reserves the
// following slot without holding data.
type fairMutex struct {
	next sync.Mutex
	data sync.Mutex
}

func (m *fairMutex) lockFair() {
	m.next.Lock()
	m.data.Lock()
	m.next.Unlock()
}

func (m *fairMutex) lockUnfair() {
	m.data.Lock()
}

func (m *fairMutex) tryLockUnfair() bool {
	return m.data.TryLock()
}

func (m *fairMutex) unlock() {
	m.data.Unlock()
}

// lease reserves the next lock slot. The returned release must be called
// exactly once.
func (m *fairMutex) lease() (release func()) {
	m.next.Lock()
	return m.next.Unlock
}

// Term guards the shared terminal state with a fair lock. The event loop
// and the consumer (renderer, protocol layer) hold references to the same
// Term; nothing else in this package retains the Emulator directly.
type Term struct {
	mu fairMutex
	em Emulator
}

// NewTerm wraps the emulator for shared use.
func NewTerm(em Emulator) *Term {
	return &Term{em: em}
}

// Lock acquires the terminal fairly, queueing behind earlier fair waiters.
// Consumers should use this entry point.
func (t *Term) Lock() Emulator {
	t.mu.lockFair()
	return t.em
}

// LockUnfair acquires the terminal immediately when free, bypassing the
// fair queue. The reader path uses it as the forced fallback once its
// unprocessed buffer cap is reached.
func (t *Term) LockUnfair() Emulator {
	t.mu.lockUnfair()
	return t.em
}

// TryLockUnfair acquires the terminal only if it is free right now.
func (t *Term) TryLockUnfair() (Emulator, bool) {
	if t.mu.tryLockUnfair() {
		return t.em, true
	}
	return nil, false
}

// Unlock releases the terminal regardless of how it was acquired.
func (t *Term) Unlock() {
	t.mu.unlock()
}

func (t *Term) lease() (release func()) {
	return t.mu.lease()
}

// emulator returns the wrapped state machine without taking the lock, for
// the concurrent-safe query methods only.
func (t *Term) emulator() Emulator {
	return t.em
}
