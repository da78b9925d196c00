package netif

import (
	"context"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// buildV4TCP constructs a minimal, well-formed IPv4/TCP segment so
// InjectBytes has something realistic to parse a version nibble from.
func buildV4TCP(t *testing.T, payload []byte) []byte {
	t.Helper()
	totalLen := header.IPv4MinimumSize + header.TCPMinimumSize + len(payload)
	buf := make([]byte, totalLen)
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     header.IPv4Any,
		DstAddr:     header.IPv4Broadcast,
	})
	tcp := header.TCP(buf[header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    40000,
		DstPort:    80,
		DataOffset: header.TCPMinimumSize,
	})
	copy(buf[header.IPv4MinimumSize+header.TCPMinimumSize:], payload)
	return buf
}

func TestInjectBytesWithoutAttachedDispatcherIsANoOp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ep := New(4, 1500, "")
	raw := buildV4TCP(t, []byte("hi"))

	// An unattached endpoint has no dispatcher to hand the packet to;
	// InjectBytes must still report success (it did its job: it tried
	// to feed the stack's input path) and must not conjure an egress
	// packet out of an ingress call.
	if err := ep.InjectBytes(raw); err != nil {
		t.Fatalf("InjectBytes: %v", err)
	}
	if _, err := ep.Next(ctx); err == nil {
		t.Fatalf("ingress injection must not produce an egress packet")
	}
}

func TestInjectBytesRejectsEmptyAndMalformed(t *testing.T) {
	ep := New(4, 1500, "")
	if err := ep.InjectBytes(nil); err != nil {
		t.Fatalf("empty buffer must be a no-op, got %v", err)
	}
	if err := ep.InjectBytes([]byte{0xF0, 1, 2, 3}); err != ErrUnsupportedProtocol {
		t.Fatalf("expected ErrUnsupportedProtocol, got %v", err)
	}
}

func TestEndpointNextUnblocksOnContextCancel(t *testing.T) {
	ep := New(4, 1500, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ep.Next(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on context cancellation")
	}
}
