package sshtest

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// Proxy forwards TCP connections to a target and can break them the way a
// failing network would.
type Proxy struct {
	Addr string

	target   string
	listener net.Listener
	done     chan struct{}
	frozen   atomic.Bool

	mu    sync.Mutex
	pairs []proxyPair
}

type proxyPair struct {
	client, server net.Conn
}

// NewProxy starts a proxy to target on a loopback port and stops it on test
// cleanup.
func NewProxy(t testing.TB, target string) *Proxy {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Proxy{
		Addr:     listener.Addr().String(),
		target:   target,
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		for {
			client, err := listener.Accept()
			if err != nil {
				return
			}
			server, err := net.Dial("tcp", target)
			if err != nil {
				client.Close()
				continue
			}
			p.mu.Lock()
			p.pairs = append(p.pairs, proxyPair{client: client, server: server})
			p.mu.Unlock()
			go p.pipe(server, client)
			go p.pipe(client, server)
		}
	}()

	t.Cleanup(p.Close)
	return p
}

// HostPort splits Addr for building descriptors.
func (p *Proxy) HostPort() (string, int) {
	return splitHostPort(p.Addr)
}

// pipe copies src to dst. While frozen, bytes are read and thrown away so
// neither side notices anything but silence.
func (p *Proxy) pipe(dst, src net.Conn) {
	defer dst.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 && !p.frozen.Load() {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Reset aborts every proxied connection with a TCP RST towards the client.
func (p *Proxy) Reset() {
	for _, pair := range p.takePairs() {
		if tcp, ok := pair.client.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		pair.client.Close()
		pair.server.Close()
	}
}

// Freeze stops forwarding in both directions without closing anything, as a
// black-holed network would.
func (p *Proxy) Freeze() {
	p.frozen.Store(true)
}

// Close stops accepting and closes every proxied connection.
func (p *Proxy) Close() {
	p.listener.Close()
	<-p.done
	for _, pair := range p.takePairs() {
		pair.client.Close()
		pair.server.Close()
	}
}

func (p *Proxy) takePairs() []proxyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	pairs := p.pairs
	p.pairs = nil
	return pairs
}
