// Command netreplay drives an Adapter from length-prefixed raw IP
// packets on stdin and writes whatever the adapter emits back out to
// stdout, in the same framing. It exists to give the adapter's egress
// drain loop and timer pump somewhere real to run, and to double as a
// manual end-to-end smoke check: pipe a captured packet trace in, see
// what comes back out.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcpadapter/adapter"
	"tcpadapter/tcplistener"
	"tcpadapter/types/logger"
	"tcpadapter/udpsocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "netreplay:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		timerInterval = flag.Duration("timer-interval", 0, "timer pump tick interval (0 = adapter default)")
		udpQueueSize  = flag.Int("udp-queue", 0, "UDP receive queue depth (0 = adapter default)")
		tcpBacklog    = flag.Int("tcp-backlog", 0, "TCP accept backlog (0 = adapter default)")
		devLog        = flag.Bool("dev-log", false, "use zap's development logger instead of production")
	)
	flag.Parse()

	zlog, err := newZapLogger(*devLog)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zlog.Sync()
	logf := logger.FromZap(zlog)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, listener, sock, err := adapter.New(ctx, adapter.Options{
		TimerInterval:    *timerInterval,
		UDPQueueSize:     *udpQueueSize,
		TCPListenBacklog: *tcpBacklog,
		Logf:             logf,
	})
	if err != nil {
		return fmt.Errorf("starting adapter: %w", err)
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return drainTCP(ctx, listener, logf)
	})
	g.Go(func() error {
		return drainUDP(ctx, sock, logf)
	})
	g.Go(func() error {
		return ingressLoop(ctx, os.Stdin, a)
	})
	g.Go(func() error {
		return egressLoop(ctx, os.Stdout, a)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newZapLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ingressLoop reads length-prefixed packets from r and feeds them to
// the adapter until r is exhausted or ctx is done.
func ingressLoop(ctx context.Context, r io.Reader, a *adapter.Adapter) error {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading packet length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		pkt := make([]byte, n)
		if _, err := io.ReadFull(br, pkt); err != nil {
			return fmt.Errorf("reading packet body: %w", err)
		}
		if err := a.Write(ctx, pkt); err != nil {
			return fmt.Errorf("writing packet into adapter: %w", err)
		}
	}
}

// egressLoop drains emitted packets from the adapter and writes them
// to w, length-prefixed, until ctx is done.
func egressLoop(ctx context.Context, w io.Writer, a *adapter.Adapter) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	var lenBuf [4]byte
	for {
		pkt, err := a.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading packet from adapter: %w", err)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(pkt)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("writing packet length: %w", err)
		}
		if _, err := bw.Write(pkt); err != nil {
			return fmt.Errorf("writing packet body: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flushing egress: %w", err)
		}
	}
}

// drainTCP accepts every inbound connection and closes it after a
// brief linger, just enough to exercise the handshake and teardown
// paths; netreplay has no application behavior of its own to run atop
// an accepted stream.
func drainTCP(ctx context.Context, l *tcplistener.Listener, logf logger.Logf) error {
	for {
		stream, local, remote, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		logf("netreplay: accepted tcp %s -> %s", remote, local)
		go func() {
			time.Sleep(50 * time.Millisecond)
			stream.Close()
		}()
	}
}

// drainUDP logs every delivered datagram so UDP traffic is visible in
// netreplay's output even though nothing answers it.
func drainUDP(ctx context.Context, sock *udpsocket.Socket, logf logger.Logf) error {
	_, recv := sock.Split()
	for {
		dg, err := recv.RecvFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		logf("netreplay: udp datagram %s -> %s (%d bytes)", dg.Src, dg.Dst, len(dg.Payload))
	}
}
