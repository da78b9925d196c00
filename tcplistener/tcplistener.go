// Package tcplistener implements a passively-open "accept anything"
// listener that hands each inbound connection to the caller as a
// tcpstream.Stream.
//
// The traditional three-call PCB setup (bind-any, listen with a
// backlog, register an accept callback) collapses in gVisor's model
// into a single tcp.Forwarder registration — there is no separate
// bind/listen step to fail independently, so no partial state can leak
// on failure.
package tcplistener

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tcpadapter/netaddr"
	"tcpadapter/registry"
	"tcpadapter/stacklock"
	"tcpadapter/tcpstream"
	"tcpadapter/types/logger"
)

// DefaultBacklog is the default count of in-flight connection attempts
// the forwarder will track concurrently.
const DefaultBacklog = 1024

// DefaultReceiveWindow is the receive window advertised to freshly
// accepted connections.
const DefaultReceiveWindow = 6 << 20

// Options configures a Listener. Zero values pick the defaults above.
type Options struct {
	Backlog         int
	ReceiveWindow   int
	DualStackPolicy netaddr.DualStackPolicy
	// Zone identifies the adapter's one NIC, reattached by netaddr as
	// the scope zone of any link-local address reported to the caller.
	Zone string
	Logf logger.Logf
}

// Accepted is one incoming connection, paired with the local/remote
// addresses extracted at accept time.
type Accepted struct {
	Stream        *tcpstream.Stream
	Local, Remote netip.AddrPort
}

// Listener holds the listening forwarder and the channel of connections
// it has accepted but the caller hasn't yet drained. The channel is
// bounded at Backlog entries. The forwarder's in-flight limit counts
// only handshakes still in progress, so undrained connections can fill
// the channel; a connection accepted while it is full is closed.
type Listener struct {
	stk    *stack.Stack
	lock   *stacklock.Lock
	reg    *registry.Table
	fwd    *tcp.Forwarder
	policy netaddr.DualStackPolicy
	zone   string
	logf   logger.Logf

	mu     sync.Mutex
	closed bool

	accepted chan Accepted
	done     chan struct{}
}

// New constructs a Listener bound to "accept anything" on stk: creates
// a tcp.Forwarder with the given backlog and registers it as stk's TCP
// transport protocol handler, all under lock.
func New(stk *stack.Stack, lock *stacklock.Lock, reg *registry.Table, opts Options) (*Listener, error) {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.ReceiveWindow <= 0 {
		opts.ReceiveWindow = DefaultReceiveWindow
	}
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}

	l := &Listener{
		stk:      stk,
		lock:     lock,
		reg:      reg,
		policy:   opts.DualStackPolicy,
		zone:     opts.Zone,
		logf:     logf,
		accepted: make(chan Accepted, opts.Backlog),
		done:     make(chan struct{}),
	}

	g := lock.Acquire()
	l.fwd = tcp.NewForwarder(stk, opts.ReceiveWindow, opts.Backlog, l.accept)
	stk.SetTransportProtocolHandler(tcp.ProtocolNumber, l.fwd.HandlePacket)
	g.Unlock()

	return l, nil
}

// accept runs one of three paths: listener torn down → reset the
// attempt; endpoint creation failed → log and reset; otherwise wrap the
// new endpoint as a Stream, register it, and hand it to the acceptor.
func (l *Listener) accept(r *tcp.ForwarderRequest) {
	reqID := r.ID()
	remote := netaddr.ToAddrPort(reqID.RemoteAddress, reqID.RemotePort, l.policy, l.zone, l.logf)
	local := netaddr.ToAddrPort(reqID.LocalAddress, reqID.LocalPort, l.policy, l.zone, l.logf)

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		r.Complete(true)
		return
	}

	// CreateEndpoint completes the three-way handshake before it
	// returns, and the handshake needs further ingress through
	// Adapter.Write, which takes the Stack Lock; so the lock is taken
	// only once the endpoint exists, to register the new Stream.
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		l.logf("tcplistener: accept: CreateEndpoint for %s: %v", remote, err)
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	g := l.lock.Acquire()
	stream := tcpstream.New(ep, &wq, l.lock, l.reg, local, remote, l.logf)
	g.Unlock()

	// The Stack Lock must not be held across this send: a full channel
	// falls through to Close, which re-acquires the lock itself.
	select {
	case l.accepted <- Accepted{Stream: stream, Local: local, Remote: remote}:
	default:
		l.logf("tcplistener: accept queue full, dropping connection from %s", remote)
		stream.Close()
	}
}

// Accept blocks until a connection has been accepted, ctx is done, or
// the Listener is closed. It never terminates of its own accord.
func (l *Listener) Accept(ctx context.Context) (*tcpstream.Stream, netip.AddrPort, netip.AddrPort, error) {
	select {
	case a, ok := <-l.accepted:
		if !ok {
			return nil, netip.AddrPort{}, netip.AddrPort{}, net.ErrClosed
		}
		return a.Stream, a.Local, a.Remote, nil
	case <-l.done:
		return nil, netip.AddrPort{}, netip.AddrPort{}, net.ErrClosed
	case <-ctx.Done():
		return nil, netip.AddrPort{}, netip.AddrPort{}, ctx.Err()
	}
}

// Close unregisters the listener's protocol handler under the Stack
// Lock. Already-accepted but undrained connections remain valid; it is
// the caller's job to Accept or Close them.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)

	g := l.lock.Acquire()
	defer g.Unlock()
	l.stk.SetTransportProtocolHandler(tcp.ProtocolNumber, nil)
	return nil
}
