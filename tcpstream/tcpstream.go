// Package tcpstream implements a duplex byte stream backed by one
// tcpip.Endpoint, with independently pollable read/write sides,
// explicit unacknowledged-byte accounting, and an explicit
// close-vs-abort teardown decision.
//
// Traditional TCP/IP stacks expose this through three raw callbacks
// (recv, sent, err) writing into a pinned, context-free owner found
// via a user-data pointer. gVisor has no such callback surface; its
// equivalent is a waiter.Queue a caller subscribes to for events on an
// endpoint. This package's dispatch goroutine is the direct
// generalization of those three callbacks: one goroutine per stream,
// woken by waiter events, whose only job is to update accounting and
// broadcast a condition variable — never to block.
package tcpstream

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"tcpadapter/registry"
	"tcpadapter/stackerr"
	"tcpadapter/stacklock"
	"tcpadapter/types/logger"
)

// Stream is a TCP connection bridge: one tcpip.Endpoint plus a
// read-closed flag, write-closed flag, error slot, and an
// unacknowledged-byte count, all guarded by one mutex doubling as the
// condition variable readers and writers park on.
type Stream struct {
	ep   tcpip.Endpoint
	wq   *waiter.Queue
	lock *stacklock.Lock
	reg  *registry.Table
	id   registry.ID

	local, remote netip.AddrPort

	logf logger.Logf

	inEntry, outEntry, hupEntry waiter.Entry
	inCh, outCh, hupCh          chan struct{}

	stopCh       chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once

	mu            sync.Mutex
	cond          *sync.Cond
	readClosed    bool
	writeClosed   bool
	writeShutdown bool
	fatal         error
	unacked       int
}

// New wraps ep (already created by a TCP forwarder's accept callback)
// as a Stream, registers it in reg, and subscribes to the endpoint's
// readable/writable/hup events. Callers must hold lock's Stack Lock
// when calling New, since it is normally invoked from the accept
// callback itself.
func New(ep tcpip.Endpoint, wq *waiter.Queue, lock *stacklock.Lock, reg *registry.Table, local, remote netip.AddrPort, logf logger.Logf) *Stream {
	if logf == nil {
		logf = logger.Discard
	}
	s := &Stream{
		ep:           ep,
		wq:           wq,
		lock:         lock,
		reg:          reg,
		local:        local,
		remote:       remote,
		logf:         logf,
		stopCh:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.id = reg.Register(s)

	s.inEntry, s.inCh = waiter.NewChannelEntry(waiter.EventIn)
	s.outEntry, s.outCh = waiter.NewChannelEntry(waiter.EventOut)
	s.hupEntry, s.hupCh = waiter.NewChannelEntry(waiter.EventHUp | waiter.EventErr)
	wq.EventRegister(&s.inEntry)
	wq.EventRegister(&s.outEntry)
	wq.EventRegister(&s.hupEntry)

	go s.dispatch()
	return s
}

// LocalAddr and RemoteAddr report the addresses extracted at accept
// time.
func (s *Stream) LocalAddr() netip.AddrPort  { return s.local }
func (s *Stream) RemoteAddr() netip.AddrPort { return s.remote }

// dispatch is the generalized recv/sent/err callback trio: it only
// ever updates state under s.mu and wakes waiters, never performing a
// blocking stack call itself. Each event resolves its owner through
// the registry rather than closing over s directly, the same
// lookup-before-touch discipline a raw callback driven by a user-data
// pointer would need: a stale id (Close already released it) makes the
// event a no-op instead of mutating a stream nothing still owns.
func (s *Stream) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.inCh:
			s.withSelf(func(owner *Stream) {
				owner.mu.Lock()
				owner.cond.Broadcast()
				owner.mu.Unlock()
			})
		case <-s.outCh:
			s.withSelf(func(owner *Stream) {
				n, err := owner.ep.GetSockOptInt(tcpip.SendQueueSizeOption)
				owner.mu.Lock()
				if err == nil {
					owner.unacked = n
				}
				owner.cond.Broadcast()
				owner.mu.Unlock()
			})
		case <-s.hupCh:
			s.withSelf((*Stream).handleHup)
			return
		}
	}
}

// withSelf resolves s's own registry handle before running fn, the
// lookup-before-touch step a raw user-data callback would need. Close
// releases the handle only after dispatch has exited, so the lookup
// cannot fail in the current teardown order; the check is kept live on
// every event rather than assumed from goroutine lifetime alone.
func (s *Stream) withSelf(fn func(*Stream)) {
	owner, ok := s.reg.Lookup(s.id)
	if !ok {
		return
	}
	fn(owner.(*Stream))
}

// handleHup is the error callback generalized: it does not reach into
// the stack beyond a non-consuming error check (LastError), so no byte
// that might still be queued for the reader is ever lost here — the
// actual clean-close-vs-data-pending decision is left to the next Read
// call's own return from ep.Read.
func (s *Stream) handleHup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		if lastErr := s.ep.LastError(); lastErr != nil {
			s.fatal = stackerr.New("tcp", lastErr)
			s.writeClosed = true
		}
	}
	s.readClosed = true
	s.cond.Broadcast()
}

// capWriter bounds ep.Read's delivery to the caller's buffer. A short
// write tells the stack's Read to stop handing over bytes, leaving the
// remainder queued in the endpoint for the next call — no byte is ever
// copied out and then discarded.
type capWriter struct {
	buf []byte
	n   int
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.n:], p)
	w.n += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Read copies up to len(p) bytes of delivered TCP payload into p. It
// returns (0, io.EOF) on clean remote half-close once no more data is
// buffered, a stored fatal error if one was observed, or blocks until
// data, close, or ctx arrives. Because gVisor's endpoint releases
// receive window credit exactly when bytes are dequeued by ep.Read,
// each byte is acked exactly once, never before delivery, without a
// separate crediting call.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		w := &capWriter{buf: p}
		_, err := s.ep.Read(w, tcpip.ReadOptions{})
		switch err.(type) {
		case nil:
			return w.n, nil
		case *tcpip.ErrWouldBlock:
			if s.fatal != nil {
				return 0, s.fatal
			}
			if s.readClosed {
				return 0, io.EOF
			}
			if werr := s.waitLocked(ctx); werr != nil {
				return 0, werr
			}
		case *tcpip.ErrClosedForReceive:
			return 0, io.EOF
		default:
			return 0, stackerr.New("tcp read", err)
		}
	}
}

// Write enqueues up to len(p) bytes to the stack's send buffer. A
// partial accept is legitimate — callers retry with the unwritten
// remainder. Returns immediately once any bytes are accepted rather
// than looping to fill p, since a retry loop belongs to the caller.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.fatal != nil {
			return 0, s.fatal
		}
		if s.writeClosed {
			return 0, io.ErrClosedPipe
		}
		r := bytes.NewReader(p)
		n, err := s.ep.Write(r, tcpip.WriteOptions{})
		switch err.(type) {
		case nil:
			s.unacked += int(n)
			return int(n), nil
		case *tcpip.ErrWouldBlock:
			if werr := s.waitLocked(ctx); werr != nil {
				return 0, werr
			}
		default:
			return 0, stackerr.New("tcp write", err)
		}
	}
}

// Flush blocks until the unacknowledged byte count reaches zero: every
// byte handed to Write has been acknowledged by the peer at return.
func (s *Stream) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n, err := s.ep.GetSockOptInt(tcpip.SendQueueSizeOption)
		if err != nil {
			return stackerr.New("tcp getsockopt SendQueueSize", err)
		}
		s.unacked = n
		if n == 0 {
			return nil
		}
		if s.fatal != nil {
			return s.fatal
		}
		if werr := s.waitLocked(ctx); werr != nil {
			return werr
		}
	}
}

// Unacked reports the current unacknowledged-byte count.
func (s *Stream) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unacked
}

// CloseWrite sends a FIN via the stack's half-close primitive and
// marks the write side closed.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return nil
	}
	if err := s.ep.Shutdown(tcpip.ShutdownWrite); err != nil {
		return stackerr.New("tcp shutdown", err)
	}
	s.writeClosed = true
	s.writeShutdown = true
	s.cond.Broadcast()
	return nil
}

// Close tears the stream down. It is the one place that decides
// between a graceful close and a forced abort: close on the success
// path (a fatal error was never stored and CloseWrite completed),
// abort otherwise (a fatal error was stored, or the caller dropped the
// stream before shutting it down). Detachment (registry release,
// waiter unregister) happens before the final stack call, under the
// Stack Lock.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.dispatchDone

		g := s.lock.Acquire()
		defer g.Unlock()

		if _, ok := s.reg.Lookup(s.id); ok {
			s.reg.Release(s.id)
		}
		s.wq.EventUnregister(&s.inEntry)
		s.wq.EventUnregister(&s.outEntry)
		s.wq.EventUnregister(&s.hupEntry)

		s.mu.Lock()
		fatal := s.fatal
		shutdown := s.writeShutdown
		s.readClosed = true
		s.writeClosed = true
		// Dispatch has already exited, so nothing else will wake a
		// parked reader or writer; do it here so they observe the close
		// instead of sleeping until their own deadline.
		s.cond.Broadcast()
		s.mu.Unlock()

		if fatal != nil || !shutdown {
			s.ep.Abort()
		} else {
			s.ep.Close()
		}
	})
	return nil
}

// waitLocked blocks on s.cond until the next broadcast or until ctx is
// done, re-acquiring s.mu before returning either way. Callers must
// hold s.mu on entry.
func (s *Stream) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
		close(woke)
	}()
	s.cond.Wait()
	close(stop)
	// The helper may be blocked acquiring s.mu in its ctx.Done branch;
	// drop the lock while joining it or neither side can make progress.
	s.mu.Unlock()
	<-woke
	s.mu.Lock()
	return ctx.Err()
}
