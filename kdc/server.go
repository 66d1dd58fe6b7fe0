package kdc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/pkg/errors"
)

// maxMessageSize bounds a single request on either transport.
const maxMessageSize = 65535

// Start starts the KDC in the background, listening on UDP and TCP.
// The KDC will automatically stop when ctx is cancelled.
// Use Wait() to block until the KDC has fully stopped.
// Use Ready() to block until the KDC is ready to accept connections.
func (k *KDC) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return fmt.Errorf("KDC already running")
	}

	// TCP first so a ":0" address gets the same port on UDP.
	tcpListener, err := net.Listen("tcp", k.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", tcpListener.Addr().String())
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("resolve UDP addr: %w", err)
	}
	udpListener, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("listen UDP: %w", err)
	}
	k.tcpListener = tcpListener
	k.udpListener = udpListener

	k.running = true

	k.wg.Add(2)
	go k.serveUDP(ctx)
	go k.serveTCP(ctx)

	go k.watchContext(ctx)

	k.log.Printf(kdclog.AreaNet, "KDC started on %s (realm: %s)", k.Addr(), k.config.Realm)

	close(k.ready)
	return nil
}

// watchContext monitors the context and stops the KDC when cancelled.
func (k *KDC) watchContext(ctx context.Context) {
	<-ctx.Done()
	k.stop()
}

func (k *KDC) stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.mu.Unlock()

	if k.udpListener != nil {
		k.udpListener.Close()
	}
	if k.tcpListener != nil {
		k.tcpListener.Close()
	}

	k.wg.Wait()
	k.log.Printf(kdclog.AreaNet, "KDC stopped")

	close(k.done)
}

// Wait blocks until the KDC has fully stopped.
// Call this after cancelling the context passed to Start.
func (k *KDC) Wait() {
	<-k.done
}

// Done returns a channel that is closed when the KDC has fully stopped.
func (k *KDC) Done() <-chan struct{} {
	return k.done
}

// Ready blocks until the KDC is ready to accept connections or the context is cancelled.
func (k *KDC) Ready(ctx context.Context) error {
	select {
	case <-k.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the actual address the KDC is listening on. UDP and TCP
// share the port.
func (k *KDC) Addr() string {
	if k.tcpListener != nil {
		return k.tcpListener.Addr().String()
	}
	return k.config.ListenAddr
}

func (k *KDC) serveUDP(ctx context.Context) {
	defer k.wg.Done()

	buf := make([]byte, maxMessageSize)
	for {
		n, addr, err := k.udpListener.ReadFromUDP(buf)
		if err != nil {
			if k.isRunning() {
				k.log.Errorf(kdclog.AreaNet, "UDP read error: %v", err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)

		resp, err := k.Process(ctx, data, addr, true)
		if err != nil {
			k.log.Debugf(kdclog.AreaNet, "UDP request from %s: %v", addr, err)
			continue
		}
		if _, err := k.udpListener.WriteToUDP(resp, addr); err != nil {
			k.log.Printf(kdclog.AreaNet, "UDP write to %s error: %v", addr, err)
		}
	}
}

func (k *KDC) serveTCP(ctx context.Context) {
	defer k.wg.Done()

	for {
		conn, err := k.tcpListener.Accept()
		if err != nil {
			if k.isRunning() {
				k.log.Errorf(kdclog.AreaNet, "TCP accept error: %v", err)
			}
			return
		}

		go k.handleTCPConn(ctx, conn)
	}
}

func (k *KDC) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// TCP Kerberos uses 4-byte length prefix
	lenBuf := make([]byte, 4)
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		_, err := io.ReadFull(conn, lenBuf)
		if err != nil {
			if err != io.EOF {
				k.log.Debugf(kdclog.AreaNet, "TCP read length error: %v", err)
			}
			return
		}

		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen > maxMessageSize {
			k.log.Printf(kdclog.AreaNet, "TCP message too large: %d", msgLen)
			return
		}

		msgBuf := make([]byte, msgLen)
		_, err = io.ReadFull(conn, msgBuf)
		if err != nil {
			k.log.Debugf(kdclog.AreaNet, "TCP read message error: %v", err)
			return
		}

		resp, err := k.Process(ctx, msgBuf, conn.RemoteAddr(), false)
		if err != nil {
			// A referral or an undecodable request gets no answer.
			if !errors.Is(err, ErrReferral) {
				k.log.Printf(kdclog.AreaNet, "TCP request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		respLen := make([]byte, 4)
		binary.BigEndian.PutUint32(respLen, uint32(len(resp)))
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(respLen); err != nil {
			k.log.Debugf(kdclog.AreaNet, "TCP write length error: %v", err)
			return
		}
		if _, err := conn.Write(resp); err != nil {
			k.log.Debugf(kdclog.AreaNet, "TCP write message error: %v", err)
			return
		}
	}
}

func (k *KDC) isRunning() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}
