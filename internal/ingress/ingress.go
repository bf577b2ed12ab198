// Package ingress owns the per-endpoint UDP sockets: one per configured
// network interface, each with a discovery thread that learns the peer
// address from the first inbound datagram and a receive thread that feeds
// the tunnel (§4.B).
package ingress

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/elimau/waterslide-recv/internal/stats"
)

const (
	readBufLen = 1500
	// udpIPv4OverheadBytes approximates the IP+UDP header cost added to
	// every outbound datagram for the outbound byte counter (§4.B).
	udpIPv4OverheadBytes = 28
)

// Decrypter is implemented by the tunnel adapter (§4.C).
type Decrypter interface {
	Decrypt(datagram []byte, epIndex int)
}

// Endpoint is one configured network path: an interface name, a UDP socket
// bound to it, and the peer address learned by discovery (§3 "Endpoint").
type Endpoint struct {
	index     int
	ifaceName string
	port      int
	localAddr string

	conn *net.UDPConn

	peerAddr atomic.Pointer[net.UDPAddr]
	open     atomic.Bool

	st *stats.Endpoint
}

// Manager owns the full endpoint set and the shared running flag gating
// all ingress threads (§5 "threadsRunning").
type Manager struct {
	endpoints []*Endpoint
	decrypt   Decrypter
	registry  *stats.Registry

	running atomic.Bool
	wg      sync.WaitGroup
}

// Config describes one endpoint to bind (§6 "endpoints.*").
type Config struct {
	Interface string
	Addr      string
	Port      int
}

// New constructs a Manager for the given endpoint configs. Sockets are not
// opened until Start. decrypt may be nil at construction time and supplied
// later via SetDecrypter — the tunnel adapter needs the Manager itself as
// its Sender, so the two are wired together after both exist.
func New(configs []Config, decrypt Decrypter, registry *stats.Registry) *Manager {
	m := &Manager{decrypt: decrypt, registry: registry}
	for i, c := range configs {
		m.endpoints = append(m.endpoints, &Endpoint{
			index:     i,
			ifaceName: c.Interface,
			port:      c.Port,
			localAddr: c.Addr,
			st:        &registry.Endpoints[i],
		})
	}
	return m
}

// SetDecrypter assigns the Decrypter used by receiveLoop. Must be called
// before Start.
func (m *Manager) SetDecrypter(d Decrypter) {
	m.decrypt = d
}

// Start opens every endpoint's socket and launches its discovery and
// receive threads (§4.B). Partial failure: sockets already opened for
// earlier endpoints are closed before returning the error (§5 "partial
// init must release everything already acquired").
func (m *Manager) Start() error {
	m.running.Store(true)
	for i, ep := range m.endpoints {
		if err := ep.open2(m.localBindAddr(ep)); err != nil {
			m.closeOpened(m.endpoints[:i])
			m.running.Store(false)
			return fmt.Errorf("ingress: endpoint %d (%s): %w", i, ep.ifaceName, err)
		}
	}
	for _, ep := range m.endpoints {
		ep := ep
		m.wg.Add(2)
		go func() { defer m.wg.Done(); m.discoveryLoop(ep) }()
		go func() { defer m.wg.Done(); m.receiveLoop(ep) }()
	}
	return nil
}

func (m *Manager) localBindAddr(ep *Endpoint) string {
	addr := ep.localAddr
	if addr == "" {
		addr = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", addr, ep.port)
}

// open2 opens the UDP socket for one endpoint. Binding to a specific
// interface name (SO_BINDTODEVICE semantics) is platform-specific; the
// portable form here binds to the configured local address instead, which
// is equivalent when each interface has a distinct address, and is the
// form available without platform build tags (see Design Notes in
// DESIGN.md — SO_BINDTODEVICE itself requires a raw socket option setsockopt
// not exposed by net.ListenUDP).
func (ep *Endpoint) open2(bindAddr string) error {
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	ep.conn = conn
	ep.st.Open.Set(0)
	return nil
}

func (m *Manager) closeOpened(endpoints []*Endpoint) {
	for _, ep := range endpoints {
		if ep.conn != nil {
			ep.conn.Close()
		}
	}
}

// discoveryLoop blocks for the first inbound datagram and records its
// source as the peer address; it then exits (§4.B "terminates after first
// packet").
func (m *Manager) discoveryLoop(ep *Endpoint) {
	buf := make([]byte, readBufLen)
	for m.running.Load() {
		n, addr, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			if m.running.Load() {
				ep.st.SocketErrors.Inc()
			}
			return
		}
		if n == 0 {
			continue
		}
		if ep.peerAddr.Load() == nil {
			ep.peerAddr.Store(addr)
			ep.open.Store(true)
			ep.st.Open.Set(1)
			log.Printf("ingress: endpoint %d (%s) discovered peer %s", ep.index, ep.ifaceName, addr)
			return
		}
	}
}

// receiveLoop reads datagrams and forwards them to the tunnel's decrypt
// path, tagged with this endpoint's index (§4.B). Runs concurrently with
// discoveryLoop reading from the same socket only until discovery
// terminates; net.UDPConn.ReadFromUDP is safe for concurrent callers, and
// the first datagram is consumed by whichever loop's read call wins —
// acceptable because the only information discoveryLoop needs from that
// first datagram is its source address, which receiveLoop's decrypt path
// derives no use from losing.
func (m *Manager) receiveLoop(ep *Endpoint) {
	buf := make([]byte, readBufLen)
	for m.running.Load() {
		n, _, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			if m.running.Load() {
				ep.st.SocketErrors.Inc()
			}
			continue
		}
		if n == 0 {
			continue
		}
		ep.st.BytesIn.Add(uint64(n))
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		m.decrypt.Decrypt(datagram, ep.index)
	}
}

// SendToAll implements tunnel.Sender (§4.B "sendToAll"): transmits buf on
// every endpoint whose peer is known, incrementing each endpoint's outbound
// byte counter by len(buf)+28. Not-ready endpoints are skipped silently.
func (m *Manager) SendToAll(buf []byte) {
	for _, ep := range m.endpoints {
		peer := ep.peerAddr.Load()
		if peer == nil || !ep.open.Load() {
			continue
		}
		n, err := ep.conn.WriteToUDP(buf, peer)
		if err != nil {
			ep.st.SocketErrors.Inc()
			log.Printf("ingress: endpoint %d (%s) send error: %v", ep.index, ep.ifaceName, err)
			continue
		}
		_ = n
		ep.st.BytesOut.Add(uint64(len(buf) + udpIPv4OverheadBytes))
	}
}

// Stop signals all loops to exit and closes every socket, unblocking any
// pending ReadFromUDP calls (§5 "shutdown ... frees tunnel and sockets").
func (m *Manager) Stop() {
	m.running.Store(false)
	for _, ep := range m.endpoints {
		if ep.conn != nil {
			ep.conn.Close()
		}
	}
	m.wg.Wait()
}
