package udpsocket

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
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

func buildUDP(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	total := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	buf := make([]byte, total)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(udp.ProtocolNumber),
		SrcAddr:     netaddr.ToTCPIPAddress(src.Addr()),
		DstAddr:     netaddr.ToTCPIPAddress(dst.Addr()),
	})

	u := header.UDP(buf[header.IPv4MinimumSize:])
	u.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(buf[header.IPv4MinimumSize+header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(udp.ProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), uint16(header.UDPMinimumSize+len(payload)))
	xsum = checksum.Checksum(payload, xsum)
	u.SetChecksum(^u.CalculateChecksum(xsum))
	ip.SetChecksum(^ip.CalculateChecksum())
	return buf
}

func TestSocketDeliversIngressDatagram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stk, ep := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	sock, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sock.Close()
	_, recv := sock.Split()

	src := netip.MustParseAddrPort("10.0.0.2:5000")
	dst := netip.MustParseAddrPort("10.0.0.1:53")
	raw := buildUDP(t, src, dst, []byte("hello"))

	g := lock.Acquire()
	if err := ep.InjectBytes(raw); err != nil {
		g.Unlock()
		t.Fatalf("InjectBytes: %v", err)
	}
	g.Unlock()

	dg, err := recv.RecvFrom(ctx)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(dg.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", dg.Payload)
	}
	if dg.Src != src || dg.Dst != dst {
		t.Fatalf("src/dst = %v/%v, want %v/%v", dg.Src, dg.Dst, src, dst)
	}
}

func TestSendToProducesEgressPacket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stk, ep := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	sock, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sock.Close()
	send, _ := sock.Split()

	src := netip.MustParseAddrPort("10.0.0.1:53")
	dst := netip.MustParseAddrPort("10.0.0.2:5000")
	if err := send.SendTo(ctx, []byte("world"), src, dst); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	pkt, err := ep.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ip := header.IPv4(pkt)
	if ip.SourceAddress() != netaddr.ToTCPIPAddress(src.Addr()) {
		t.Fatalf("egress src = %v, want %v", ip.SourceAddress(), src.Addr())
	}
}

func TestReapIdleStopsStaleSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stk, ep := newTestStack(t)
	defer stk.Close()

	var lock stacklock.Lock
	reg := &registry.Table{}
	sock, err := New(stk, &lock, reg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sock.Close()

	src := netip.MustParseAddrPort("10.0.0.2:5000")
	dst := netip.MustParseAddrPort("10.0.0.1:53")
	raw := buildUDP(t, src, dst, []byte("ping"))

	g := lock.Acquire()
	if err := ep.InjectBytes(raw); err != nil {
		g.Unlock()
		t.Fatalf("InjectBytes: %v", err)
	}
	g.Unlock()

	_, recv := sock.Split()
	if _, err := recv.RecvFrom(ctx); err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		sock.ReapIdle(0)
		n := sock.reg.Len()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was not reaped, %d still live", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
