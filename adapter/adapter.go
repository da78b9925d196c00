// Package adapter assembles the cooperating components — NetIf Bridge,
// Stack Lock, Timer Pump, TCP Listener, UDP Socket — into the
// top-level Adapter and its paired listener and socket.
package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"tcpadapter/netaddr"
	"tcpadapter/netif"
	"tcpadapter/registry"
	"tcpadapter/stacklock"
	"tcpadapter/tcplistener"
	"tcpadapter/timerpump"
	"tcpadapter/types/logger"
	"tcpadapter/udpsocket"
)

// nicID is the adapter's one and only NIC.
const nicID tcpip.NICID = 1

// nicZone is nicID's string identity, reattached by netaddr as the
// scope zone of any link-local address the adapter reports to its
// caller — the stand-in for a literal wire-format zone, which the
// embedded stack has no representation for.
const nicZone = "1"

// Stack tuning constants: 6MiB/4MiB TCP buffers, cubic congestion
// control, a conservative retry ceiling.
const (
	recvBufSize            = 6 << 20
	sendBufSize            = 4 << 20
	congestionControlCubic = "cubic"
	maxRetries             = 5
)

// Options configures Adapter construction. Zero values default to
// EgressQueueSize 512, UDPQueueSize 64.
type Options struct {
	EgressQueueSize  int
	UDPQueueSize     int
	TCPListenBacklog int
	DualStackPolicy  netaddr.DualStackPolicy
	TimerInterval    time.Duration
	Logf             logger.Logf
}

// Adapter is both a source of egress IP packets and a sink for ingress
// IP packets. It owns the embedded stack, the NetIf Bridge, the Stack
// Lock, and the Timer Pump; the TCP listener and UDP socket are
// returned alongside it rather than embedded, since they're
// independent peers sharing the same stack and lock.
type Adapter struct {
	stk  *stack.Stack
	ep   *netif.Endpoint
	lock *stacklock.Lock
	reg  *registry.Table
	pump *timerpump.Pump
	logf logger.Logf

	udp *udpsocket.Socket
}

// New builds the stack (NIC, routes, TCP/UDP/ICMP protocols, buffer
// and congestion-control options), registers the TCP listener and UDP
// socket, and starts the timer pump. Returns the Adapter together with
// the listener and socket built around the same stack.
func New(ctx context.Context, opts Options) (*Adapter, *tcplistener.Listener, *udpsocket.Socket, error) {
	if opts.EgressQueueSize <= 0 {
		opts.EgressQueueSize = netifDefaultQueueSize
	}
	if opts.UDPQueueSize <= 0 {
		opts.UDPQueueSize = udpsocket.DefaultQueueSize
	}
	if opts.TCPListenBacklog <= 0 {
		opts.TCPListenBacklog = tcplistener.DefaultBacklog
	}
	if opts.TimerInterval <= 0 {
		opts.TimerInterval = timerpump.DefaultInterval
	}
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}

	stk := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
	})

	if err := setTransportOptions(stk); err != nil {
		stk.Close()
		return nil, nil, nil, err
	}

	ep := netif.New(opts.EgressQueueSize, tunMTU, "")
	if err := stk.CreateNIC(nicID, ep); err != nil {
		stk.Close()
		return nil, nil, nil, fmt.Errorf("adapter: could not create NIC: %v", err)
	}
	// The adapter doesn't know ahead of time which addresses will be
	// redirected to it, so accept everything on the way in and let the
	// filter/policy layer above decide what's worth answering.
	stk.SetPromiscuousMode(nicID, true)
	// Symmetrically, the adapter sends and binds on behalf of arbitrary
	// addresses it doesn't itself own (UDP's SendTo in particular), so
	// spoofing has to be on for the send path the same way promiscuous
	// mode is on for the receive path.
	stk.SetSpoofing(nicID, true)

	anyV4, _ := tcpip.NewSubnet(tcpip.AddrFromSlice(make([]byte, 4)), tcpip.MaskFromBytes(make([]byte, 4)))
	anyV6, _ := tcpip.NewSubnet(tcpip.AddrFromSlice(make([]byte, 16)), tcpip.MaskFromBytes(make([]byte, 16)))
	stk.SetRouteTable([]tcpip.Route{
		{Destination: anyV4, NIC: nicID},
		{Destination: anyV6, NIC: nicID},
	})

	var lock stacklock.Lock
	reg := &registry.Table{}

	listener, err := tcplistener.New(stk, &lock, reg, tcplistener.Options{
		Backlog:         opts.TCPListenBacklog,
		DualStackPolicy: opts.DualStackPolicy,
		Zone:            nicZone,
		Logf:            logf,
	})
	if err != nil {
		ep.Close()
		stk.Close()
		return nil, nil, nil, err
	}

	sock, err := udpsocket.New(stk, &lock, reg, udpsocket.Options{
		QueueSize:       opts.UDPQueueSize,
		DualStackPolicy: opts.DualStackPolicy,
		Zone:            nicZone,
		Logf:            logf,
	})
	if err != nil {
		listener.Close()
		ep.Close()
		stk.Close()
		return nil, nil, nil, err
	}

	a := &Adapter{stk: stk, ep: ep, lock: &lock, reg: reg, logf: logf, udp: sock}

	a.pump = timerpump.New(&lock, opts.TimerInterval, a.sweep, logf)
	a.pump.Start(ctx)

	return a, listener, sock, nil
}

func setTransportOptions(stk *stack.Stack) error {
	sackEnabled := tcpip.TCPSACKEnabled(true)
	if err := stk.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); err != nil {
		return fmt.Errorf("adapter: could not enable TCP SACK: %v", err)
	}
	soRecv := tcpip.TCPReceiveBufferSizeRangeOption{Min: recvBufSize, Default: recvBufSize, Max: recvBufSize}
	if err := stk.SetTransportProtocolOption(tcp.ProtocolNumber, &soRecv); err != nil {
		return fmt.Errorf("adapter: could not set recv buf size: %v", err)
	}
	soSend := tcpip.TCPSendBufferSizeRangeOption{Min: sendBufSize, Default: sendBufSize, Max: sendBufSize}
	if err := stk.SetTransportProtocolOption(tcp.ProtocolNumber, &soSend); err != nil {
		return fmt.Errorf("adapter: could not set send buf size: %v", err)
	}
	cc := tcpip.CongestionControlOption(congestionControlCubic)
	if err := stk.SetTransportProtocolOption(tcp.ProtocolNumber, &cc); err != nil {
		return fmt.Errorf("adapter: could not set congestion control: %v", err)
	}
	retries := tcpip.TCPMaxRetriesOption(maxRetries)
	if err := stk.SetTransportProtocolOption(tcp.ProtocolNumber, &retries); err != nil {
		return fmt.Errorf("adapter: could not set max retries: %v", err)
	}
	return nil
}

// sweep is the timer pump's housekeeping body: reap idle UDP flows.
// ReapIdle walks the shared registry table itself to find them (see
// udpsocket.Socket.sessionsOf), so this is real registry-driven
// compaction, not a parallel bookkeeping structure the registry has no
// bearing on. Invoked with the Stack Lock held; must not block.
func (a *Adapter) sweep(ctx context.Context) {
	a.udp.ReapIdle(udpIdleTimeout)
}

// Next returns the next emitted IP packet, blocking until one is
// available or ctx is done.
func (a *Adapter) Next(ctx context.Context) ([]byte, error) {
	return a.ep.Next(ctx)
}

// Write feeds one raw IP packet into the stack's input path under the
// Stack Lock. A zero-length packet is a no-op.
func (a *Adapter) Write(ctx context.Context, pkt []byte) error {
	g := a.lock.Acquire()
	defer g.Unlock()
	return a.ep.InjectBytes(pkt)
}

// Dropped reports the lifetime count of egress packets dropped because
// the egress queue was full.
func (a *Adapter) Dropped() uint64 {
	return a.ep.Dropped()
}

// Close tears the adapter down: stops the timer pump (waiting for its
// goroutine to exit), closes the link endpoint so a caller blocked in
// Next returns, then closes and waits on the stack.
func (a *Adapter) Close() error {
	a.pump.Stop()
	a.ep.Close()
	a.stk.Close()
	a.stk.Wait()
	return nil
}

var _ io.Closer = (*Adapter)(nil)

const (
	// tunMTU is the netif's fixed MTU.
	tunMTU = 1500
	// netifDefaultQueueSize is the default egress queue depth.
	netifDefaultQueueSize = 512
	// udpIdleTimeout bounds how long an idle UDP flow's gVisor-side
	// endpoint is kept alive between timer pump sweeps.
	udpIdleTimeout = 2 * time.Minute
)
