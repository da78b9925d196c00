package tcplistener

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"tcpadapter/netaddr"
	"tcpadapter/netif"
	"tcpadapter/registry"
	"tcpadapter/stacklock"
)

const testNICID tcpip.NICID = 1

func newTestStack(t *testing.T) (*stack.Stack, *netif.Endpoint) {
	t.Helper()
	stk := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	ep := netif.New(64, 1500, "")
	if err := stk.CreateNIC(testNICID, ep); err != nil {
		t.Fatalf("CreateNIC: %v", err)
	}
	stk.SetPromiscuousMode(testNICID, true)
	stk.SetSpoofing(testNICID, true)
	anyV4, _ := tcpip.NewSubnet(tcpip.AddrFromSlice(make([]byte, 4)), tcpip.MaskFromBytes(make([]byte, 4)))
	stk.SetRouteTable([]tcpip.Route{{Destination: anyV4, NIC: testNICID}})
	return stk, ep
}

func buildSYN(t *testing.T, src, dst netip.AddrPort) []byte {
	t.Helper()
	total := header.IPv4MinimumSize + header.TCPMinimumSize
	buf := make([]byte, total)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(tcp.ProtocolNumber),
		SrcAddr:     netaddr.ToTCPIPAddress(src.Addr()),
		DstAddr:     netaddr.ToTCPIPAddress(dst.Addr()),
	})

	th := header.TCP(buf[header.IPv4MinimumSize:])
	th.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     1,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagSyn,
		WindowSize: 65535,
	})
	xsum := header.PseudoHeaderChecksum(tcp.ProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), uint16(header.TCPMinimumSize))
	th.SetChecksum(^th.CalculateChecksum(xsum))
	ip.SetChecksum(^ip.CalculateChecksum())
	return buf
}

func TestListenerAcceptsAndReportsAddresses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stk, ep := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	l, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	src := netip.MustParseAddrPort("10.0.0.2:40000")
	dst := netip.MustParseAddrPort("10.0.0.1:80")
	raw := buildSYN(t, src, dst)

	g := lock.Acquire()
	if err := ep.InjectBytes(raw); err != nil {
		g.Unlock()
		t.Fatalf("InjectBytes: %v", err)
	}
	g.Unlock()

	stream, local, remote, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer stream.Close()

	if remote != src {
		t.Fatalf("remote = %v, want %v", remote, src)
	}
	if local != dst {
		t.Fatalf("local = %v, want %v", local, dst)
	}
}

func TestListenerAcceptUnblocksOnContextCancel(t *testing.T) {
	stk, _ := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	l, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, _, err := l.Accept(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock on context cancellation")
	}
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	stk, _ := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	l, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, _, err := l.Accept(ctx); err == nil {
		t.Fatal("Accept on a closed listener must return an error")
	}
}
