// Package udpsocket implements a single connectionless datagram bridge
// that receives every redirected UDP datagram and can send with an
// arbitrary source/destination pair.
//
// gVisor's forwarder model hands each distinct (local, remote) flow its
// own endpoint, rather than one socket receiving everything. This
// package reconciles the two: every accepted flow gets a small reader
// goroutine that feeds one shared bounded channel, so the socket still
// presents as a single receive surface at the API boundary.
package udpsocket

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tcpadapter/netaddr"
	"tcpadapter/registry"
	"tcpadapter/stackerr"
	"tcpadapter/stacklock"
	"tcpadapter/types/logger"
)

// DefaultQueueSize is the default receive queue depth.
const DefaultQueueSize = 64

// Datagram is one delivered UDP payload with both addresses preserved.
type Datagram struct {
	Payload  []byte
	Src, Dst netip.AddrPort
}

// Options configures a Socket.
type Options struct {
	QueueSize       int
	DualStackPolicy netaddr.DualStackPolicy
	// Zone identifies the adapter's one NIC, reattached by netaddr as
	// the scope zone of any link-local address reported to the caller.
	Zone string
	Logf logger.Logf
}

// session is one gVisor-level UDP flow endpoint backing a slice of the
// single logical socket presented to callers.
type session struct {
	ep    tcpip.Endpoint
	wq    *waiter.Queue
	entry waiter.Entry
	ch    chan struct{}

	id registry.ID

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	lastActive atomic.Int64
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Socket is the UDP socket. Send and Recv are split into independent
// halves via Split.
type Socket struct {
	stk    *stack.Stack
	lock   *stacklock.Lock
	reg    *registry.Table
	policy netaddr.DualStackPolicy
	zone   string
	logf   logger.Logf
	fwd    *udp.Forwarder

	mu     sync.Mutex
	closed bool

	recv    chan Datagram
	dropped atomic.Uint64
	done    chan struct{}
}

// New creates the UDP socket: registers a udp.Forwarder as stk's UDP
// transport protocol handler under lock.
func New(stk *stack.Stack, lock *stacklock.Lock, reg *registry.Table, opts Options) (*Socket, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}

	s := &Socket{
		stk:    stk,
		lock:   lock,
		reg:    reg,
		policy: opts.DualStackPolicy,
		zone:   opts.Zone,
		logf:   logf,
		recv:   make(chan Datagram, opts.QueueSize),
		done:   make(chan struct{}),
	}

	g := lock.Acquire()
	s.fwd = udp.NewForwarder(stk, s.accept)
	stk.SetTransportProtocolHandler(udp.ProtocolNumber, s.fwd.HandlePacket)
	g.Unlock()

	return s, nil
}

// accept runs once per newly observed flow. The UDP forwarder invokes
// it synchronously from the stack's input path, on the goroutine that
// injected the packet — which already holds the Stack Lock (the
// ingress contract on netif.Endpoint.InjectBytes). The lock is
// non-reentrant, so accept must not re-acquire it; it is the callback
// invoked with the lock already held. Contrast tcplistener.accept,
// which gVisor dispatches on a fresh goroutine and which therefore
// takes the lock itself.
func (s *Socket) accept(r *udp.ForwarderRequest) {
	id := r.ID()
	dst := netaddr.ToAddrPort(id.LocalAddress, id.LocalPort, s.policy, s.zone, s.logf)
	src := netaddr.ToAddrPort(id.RemoteAddress, id.RemotePort, s.policy, s.zone, s.logf)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		s.logf("udpsocket: accept: CreateEndpoint for %s: %v", src, err)
		return
	}

	sess := &session{ep: ep, wq: &wq, stop: make(chan struct{}), done: make(chan struct{})}
	sess.entry, sess.ch = waiter.NewChannelEntry(waiter.EventIn)
	wq.EventRegister(&sess.entry)
	sess.lastActive.Store(time.Now().UnixNano())
	sess.id = s.reg.Register(sess)

	// Close may have collected its sweep of live sessions between the
	// closed check above and the Register; re-check so a session that
	// slipped in behind the sweep stops itself instead of outliving the
	// socket.
	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	if closed {
		sess.requestStop()
	}

	go s.pump(sess, src, dst)
}

// pump reads datagrams off one flow's endpoint and non-blocking-pushes
// them onto the shared channel, dropping and counting on a full queue.
// It never calls into the stack while blocked and never holds the
// Stack Lock across a wait.
func (s *Socket) pump(sess *session, src, dst netip.AddrPort) {
	defer s.cleanupSession(sess)
	for {
		select {
		case <-sess.stop:
			return
		default:
		}

		var buf bytes.Buffer
		_, err := sess.ep.Read(&buf, tcpip.ReadOptions{})
		switch err.(type) {
		case nil:
			// Resolve the session through the registry before handing
			// its payload onward; a failed lookup drops the datagram.
			// The handle is released only by cleanupSession, after this
			// loop exits (ReapIdle and Close only request a stop), so
			// in the current teardown order the lookup succeeds.
			if _, ok := s.reg.Lookup(sess.id); !ok {
				return
			}
			sess.lastActive.Store(time.Now().UnixNano())
			payload := append([]byte(nil), buf.Bytes()...)
			select {
			case s.recv <- Datagram{Payload: payload, Src: src, Dst: dst}:
			default:
				s.dropped.Add(1)
			}
		case *tcpip.ErrWouldBlock:
			select {
			case <-sess.ch:
			case <-sess.stop:
				return
			}
		default:
			return
		}
	}
}

func (s *Socket) cleanupSession(sess *session) {
	defer close(sess.done)

	g := s.lock.Acquire()
	defer g.Unlock()

	sess.wq.EventUnregister(&sess.entry)
	// Release only a handle that is still live. This is the one place a
	// session's handle is released, so the check passes in the current
	// teardown order.
	if _, ok := s.reg.Lookup(sess.id); ok {
		s.reg.Release(sess.id)
	}
	sess.ep.Close()
}

// sessionsOf filters reg's live entries down to the *session values
// belonging to this socket; reg is shared with the TCP side of the
// adapter, so non-session entries are simply skipped.
func (s *Socket) sessionsOf() []*session {
	var out []*session
	s.reg.Range(func(_ registry.ID, v any) bool {
		if sess, ok := v.(*session); ok {
			out = append(out, sess)
		}
		return true
	})
	return out
}

// ReapIdle closes any flow that hasn't delivered a datagram in maxIdle.
// Called from the timer pump's sweep: gVisor's UDP endpoints have no
// TIME_WAIT of their own to tick, but idle flow state still needs to
// be bounded. The registry itself is walked to find the live sessions,
// so a session reaped here and one torn down concurrently through
// Close can never both act on the same handle.
func (s *Socket) ReapIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	for _, sess := range s.sessionsOf() {
		if sess.lastActive.Load() < cutoff {
			sess.requestStop()
		}
	}
}

// Dropped reports the lifetime count of datagrams discarded because
// the receive queue was full.
func (s *Socket) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the UDP transport handler and tears down every
// live flow, under the Stack Lock.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	sessions := s.sessionsOf()
	close(s.done)

	for _, sess := range sessions {
		sess.requestStop()
	}
	for _, sess := range sessions {
		<-sess.done
	}

	g := s.lock.Acquire()
	defer g.Unlock()
	s.stk.SetTransportProtocolHandler(udp.ProtocolNumber, nil)
	return nil
}

// Split divides the socket into an independently usable send half and
// receive half, letting concurrent senders coexist with a single
// receiver.
func (s *Socket) Split() (*SendHalf, *RecvHalf) {
	return &SendHalf{stk: s.stk, lock: s.lock, logf: s.logf},
		&RecvHalf{recv: s.recv, done: s.done}
}

// SendHalf sends datagrams with an arbitrary source/destination pair.
// It is cheap to copy and safe for concurrent use from many goroutines:
// it holds only the shared stack pointer and the lock.
type SendHalf struct {
	stk  *stack.Stack
	lock *stacklock.Lock
	logf logger.Logf
}

// SendTo allocates a one-shot UDP endpoint bound to src, writes
// payload to dst, and closes it. gVisor's udp endpoint copies payload
// into its own send path synchronously before Write returns, so the
// caller's slice does not need to outlive the call.
func (sh *SendHalf) SendTo(ctx context.Context, payload []byte, src, dst netip.AddrPort) error {
	g := sh.lock.Acquire()
	defer g.Unlock()

	netProto := ipv4.ProtocolNumber
	if dst.Addr().Is6() {
		netProto = ipv6.ProtocolNumber
	}

	var wq waiter.Queue
	ep, err := sh.stk.NewEndpoint(udp.ProtocolNumber, netProto, &wq)
	if err != nil {
		return stackerr.New("udp new endpoint", err)
	}
	defer ep.Close()

	srcFA := tcpip.FullAddress{Addr: netaddr.ToTCPIPAddress(src.Addr()), Port: src.Port()}
	if err := ep.Bind(srcFA); err != nil {
		return stackerr.New("udp bind", err)
	}

	dstFA := tcpip.FullAddress{Addr: netaddr.ToTCPIPAddress(dst.Addr()), Port: dst.Port()}
	r := bytes.NewReader(payload)
	if _, err := ep.Write(r, tcpip.WriteOptions{To: &dstFA}); err != nil {
		return stackerr.New("udp_sendto", err)
	}
	return nil
}

// RecvHalf receives datagrams delivered to any flow the socket has
// accepted.
type RecvHalf struct {
	recv <-chan Datagram
	done <-chan struct{}
}

// RecvFrom blocks until a datagram arrives, the socket is closed, or
// ctx is done.
func (rh *RecvHalf) RecvFrom(ctx context.Context) (Datagram, error) {
	select {
	case d, ok := <-rh.recv:
		if !ok {
			return Datagram{}, net.ErrClosed
		}
		return d, nil
	case <-rh.done:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}
