// Package stacklock provides the single process-wide mutual-exclusion
// primitive serializing the adapter's stack touch points: packet
// injection (Adapter.Write), protocol-handler registration and teardown
// in tcplistener and udpsocket, Stream registration and Close in
// tcpstream, UDP SendTo, and the timer pump's sweep. The per-stream
// data path (tcpstream's Read, Write, Flush and CloseWrite) calls into
// its endpoint under the stream's own mutex and does not take this
// lock.
package stacklock

import "sync"

// Lock is a fair, non-reentrant mutex. The zero value is ready to use.
type Lock struct {
	mu sync.Mutex
}

// Guard releases the lock exactly once, on whichever path unwinds the
// critical section (return, panic, or early exit via defer).
type Guard struct {
	mu       *sync.Mutex
	released bool
}

// Acquire blocks until the lock is held and returns a guard. Callers
// should immediately `defer g.Unlock()`.
func (l *Lock) Acquire() *Guard {
	l.mu.Lock()
	return &Guard{mu: &l.mu}
}

// Unlock releases the lock. Safe to call more than once; only the
// first call has an effect, so a deferred Unlock composes with an
// earlier explicit Unlock on a fast path.
func (g *Guard) Unlock() {
	if g.released {
		return
	}
	g.released = true
	g.mu.Unlock()
}
