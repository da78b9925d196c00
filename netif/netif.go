// based on https://github.com/google/gvisor/blob/74f22885dc45e2866985fe7179103e1000382415/pkg/tcpip/link/channel/channel.go
//
// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications from original source are Copyright 2024 Tailscale Inc & AUTHORS.
// Further modifications here adapt the endpoint into a duplex,
// drop-on-full bridge in place of the reference's blocking one.

// Package netif implements the NetIf Bridge: a stack.LinkEndpoint that
// carries raw IP packets between the embedded stack and the adapter's
// caller, in place of a real NIC driver.
//
// This is adapted from gVisor's channel.Endpoint. The reference
// version makes WritePackets block when the outbound queue is full,
// trading latency for throughput. This bridge needs the opposite
// trade: the stack must never stall on a slow or absent packet
// consumer, so a full queue drops the newest packet and counts it.
package netif

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

type queue struct {
	c  chan *stack.PacketBuffer
	mu sync.RWMutex
	// +checklocks:mu
	closed bool

	closedChOnce sync.Once
	closedCh     chan struct{}

	dropped atomic.Uint64
}

func newQueue(size int) *queue {
	return &queue{
		c:        make(chan *stack.PacketBuffer, size),
		closedCh: make(chan struct{}),
	}
}

func (q *queue) Close() {
	q.closedChOnce.Do(func() {
		close(q.closedCh)
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.c)
	q.closed = true
}

func (q *queue) Read() *stack.PacketBuffer {
	select {
	case p := <-q.c:
		return p
	default:
		return nil
	}
}

func (q *queue) ReadContext(ctx context.Context) *stack.PacketBuffer {
	select {
	case pkt := <-q.c:
		return pkt
	case <-ctx.Done():
		return nil
	}
}

// Write enqueues pkt for egress and reports whether it was queued. If
// the queue is full the packet is dropped silently and counted rather
// than blocking the caller — the stack must never stall on a slow or
// absent packet consumer.
func (q *queue) Write(pkt *stack.PacketBuffer) (bool, tcpip.Error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, &tcpip.ErrClosedForSend{}
	}
	select {
	case q.c <- pkt.IncRef():
		return true, nil
	default:
		q.dropped.Add(1)
		return false, nil
	}
}

func (q *queue) Num() int {
	return len(q.c)
}

func (q *queue) Dropped() uint64 {
	return q.dropped.Load()
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.GSOEndpoint = (*Endpoint)(nil)

// Endpoint is the link-layer endpoint bridging the embedded stack to
// whatever is driving raw IP packet ingress/egress on the caller's
// side (a TUN device, a test harness, a replay tool). Inbound packets
// are injected with InjectInbound; outbound packets accumulate in a
// bounded queue for the caller to drain with Read or ReadContext.
type Endpoint struct {
	mtu                uint32
	linkAddr           tcpip.LinkAddress
	LinkEPCapabilities stack.LinkEndpointCapabilities
	SupportedGSOKind   stack.SupportedGSO

	mu sync.RWMutex
	// +checklocks:mu
	dispatcher stack.NetworkDispatcher

	q *queue
}

// New creates an endpoint with the given outbound queue capacity and
// MTU. A zero linkAddr is fine; this endpoint never does link-layer
// addressing of its own.
func New(queueSize int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		q:        newQueue(queueSize),
		mtu:      mtu,
		linkAddr: linkAddr,
	}
}

func (*Endpoint) SetLinkAddress(tcpip.LinkAddress) {}

func (*Endpoint) SetMTU(uint32) {}

func (*Endpoint) SetOnCloseAction(func()) {}

// Close shuts down the endpoint. Further outbound writes
// (WritePackets) return ErrClosedForSend and all pending outbound
// packets are discarded. Inbound injection does not check for Close.
func (e *Endpoint) Close() {
	e.q.Close()
	e.Drain()
}

// Read does a non-blocking read of one outbound packet, or nil if
// none is queued.
func (e *Endpoint) Read() *stack.PacketBuffer {
	return e.q.Read()
}

// ReadContext blocks for one outbound packet until ctx is done, in
// which case it returns nil.
func (e *Endpoint) ReadContext(ctx context.Context) *stack.PacketBuffer {
	return e.q.ReadContext(ctx)
}

// Drain discards all currently queued outbound packets and returns how
// many were discarded.
func (e *Endpoint) Drain() int {
	c := 0
	for pkt := e.Read(); pkt != nil; pkt = e.Read() {
		pkt.DecRef()
		c++
	}
	return c
}

// NumQueued reports how many outbound packets are currently queued.
func (e *Endpoint) NumQueued() int {
	return e.q.Num()
}

// Dropped reports the lifetime count of outbound packets discarded
// because the queue was full, so drops are observable rather than
// silent data loss the caller can't detect.
func (e *Endpoint) Dropped() uint64 {
	return e.q.Dropped()
}

// InjectInbound delivers an inbound raw IP packet into the stack. If
// the endpoint isn't attached yet, the packet is dropped.
func (e *Endpoint) InjectInbound(protocol tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d != nil {
		d.DeliverNetworkPacket(protocol, pkt)
	}
}

// Attach implements stack.LinkEndpoint.Attach.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Capabilities implements stack.LinkEndpoint.Capabilities.
func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return e.LinkEPCapabilities
}

// GSOMaxSize implements stack.GSOEndpoint.
func (*Endpoint) GSOMaxSize() uint32 {
	return 1 << 15
}

// SupportedGSO implements stack.GSOEndpoint.
func (e *Endpoint) SupportedGSO() stack.SupportedGSO {
	return e.SupportedGSOKind
}

// MaxHeaderLength implements stack.LinkEndpoint.MaxHeaderLength. This
// endpoint has no link-layer header.
func (*Endpoint) MaxHeaderLength() uint16 {
	return 0
}

// LinkAddress implements stack.LinkEndpoint.LinkAddress.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	return e.linkAddr
}

// WritePackets enqueues outbound packets for the caller to drain.
// Multiple concurrent calls are permitted. A full queue drops the
// packet (see queue.Write) rather than returning an error or
// blocking, so n may be less than len(pkts) without err being set.
func (e *Endpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	n := 0
	for _, pkt := range pkts.AsSlice() {
		queued, err := e.q.Write(pkt)
		if err != nil {
			return n, err
		}
		if queued {
			n++
		}
	}
	return n, nil
}

// Wait implements stack.LinkEndpoint.Wait.
func (*Endpoint) Wait() {}

// ARPHardwareType implements stack.LinkEndpoint.ARPHardwareType.
func (*Endpoint) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements stack.LinkEndpoint.AddHeader.
func (*Endpoint) AddHeader(*stack.PacketBuffer) {}

// ParseHeader implements stack.LinkEndpoint.ParseHeader.
func (*Endpoint) ParseHeader(*stack.PacketBuffer) bool { return true }

// ErrUnsupportedProtocol is returned by InjectBytes when the leading
// nibble of the packet names neither IPv4 nor IPv6.
var ErrUnsupportedProtocol = errors.New("netif: packet is neither IPv4 nor IPv6")

// Next is the egress half of the endpoint's duplex surface: it blocks
// for the next outbound packet, returning it as an owned copy, or the
// ctx error once ctx is done.
func (e *Endpoint) Next(ctx context.Context) ([]byte, error) {
	pkt := e.ReadContext(ctx)
	if pkt == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	defer pkt.DecRef()
	v := pkt.ToView()
	out := make([]byte, v.Size())
	if _, err := v.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// InjectBytes is the ingress half of the endpoint's duplex surface: it
// copies data into a freshly built PacketBuffer and hands it to
// InjectInbound. A zero-length buffer is a no-op. Callers are expected
// to hold stacklock.Lock for the duration of this call, since it is
// the call that feeds the embedded stack's input path.
func (e *Endpoint) InjectBytes(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	proto, ok := protocolOf(data)
	if !ok {
		return ErrUnsupportedProtocol
	}
	cp := append([]byte(nil), data...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(cp)})
	defer pkt.DecRef()
	e.InjectInbound(proto, pkt)
	return nil
}

func protocolOf(data []byte) (tcpip.NetworkProtocolNumber, bool) {
	switch data[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}
